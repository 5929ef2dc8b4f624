package models

// Clone 深拷贝，流水线在副本上工作，提交时整体替换
func (r *CallRecord) Clone() *CallRecord {
	if r == nil {
		return nil
	}
	c := *r

	c.Transcript = append([]TranscriptEntry{}, r.Transcript...)

	if r.Reputation != nil {
		rep := *r.Reputation
		c.Reputation = &rep
	}
	if r.LastAnalysis != nil {
		a := r.LastAnalysis.clone()
		c.LastAnalysis = &a
	}
	c.AnalysisHistory = make([]Analysis, len(r.AnalysisHistory))
	for i := range r.AnalysisHistory {
		c.AnalysisHistory[i] = r.AnalysisHistory[i].clone()
	}
	if r.Decision != nil {
		d := *r.Decision
		c.Decision = &d
	}
	if r.ScamReport != nil {
		s := *r.ScamReport
		c.ScamReport = &s
	}
	if r.AlertResult != nil {
		s := *r.AlertResult
		c.AlertResult = &s
	}

	c.ActivityLog = make([]ActivityEntry, len(r.ActivityLog))
	for i, e := range r.ActivityLog {
		if e.Data != nil {
			data := make(map[string]string, len(e.Data))
			for k, v := range e.Data {
				data[k] = v
			}
			e.Data = data
		}
		c.ActivityLog[i] = e
	}

	return &c
}

func (a Analysis) clone() Analysis {
	a.Indicators = append([]string(nil), a.Indicators...)
	return a
}

// TranscriptCopy 返回转写的独立副本，供外部协作方只读使用
func (r *CallRecord) TranscriptCopy() []TranscriptEntry {
	return append([]TranscriptEntry{}, r.Transcript...)
}
