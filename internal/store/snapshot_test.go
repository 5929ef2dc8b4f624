package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"wisefido-guardian/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(callID string, entries int) *models.CallRecord {
	r := models.NewCallRecord(callID, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	for i := 0; i < entries; i++ {
		r.Transcript = append(r.Transcript, models.TranscriptEntry{
			Speaker: models.SpeakerCounterpart,
			Text:    fmt.Sprintf("entry %d", i),
		})
	}
	r.Decision = &models.Decision{Action: models.ActionQuestion, RiskScore: 50, Reason: "Conversation analysis risk: 50%"}
	return r
}

func TestFileExporter_WritesCompleteSnapshot(t *testing.T) {
	dir := t.TempDir()
	fe, err := NewFileExporter(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)

	require.NoError(t, fe.Export(context.Background(), sampleRecord("CA/123", 3)))

	data, err := os.ReadFile(fe.Path("CA/123"))
	require.NoError(t, err)
	var got models.CallRecord
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "CA/123", got.CallID)
	assert.Len(t, got.Transcript, 3)
	assert.Equal(t, models.ActionQuestion, got.Decision.Action)
	assert.True(t, strings.HasPrefix(filepath.Base(fe.Path("CA/123")), "CA_123-"))

	// 不残留临时文件
	files, err := os.ReadDir(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.False(t, strings.HasSuffix(files[0].Name(), ".tmp"))
}

func TestFileExporter_DistinctCallIDsDoNotCollide(t *testing.T) {
	dir := t.TempDir()
	fe, err := NewFileExporter(dir)
	require.NoError(t, err)

	assert.NotEqual(t, fe.Path("a/b"), fe.Path("a_b"))
	assert.Equal(t, fe.Path("a/b"), fe.Path("a/b"))

	require.NoError(t, fe.Export(context.Background(), sampleRecord("a/b", 1)))
	require.NoError(t, fe.Export(context.Background(), sampleRecord("a_b", 2)))

	for id, n := range map[string]int{"a/b": 1, "a_b": 2} {
		data, err := os.ReadFile(fe.Path(id))
		require.NoError(t, err)
		var got models.CallRecord
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, id, got.CallID)
		assert.Len(t, got.Transcript, n)
	}
}

func TestFileExporter_ReadersNeverSeePartialSnapshots(t *testing.T) {
	fe, err := NewFileExporter(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fe.Export(context.Background(), sampleRecord("c1", 1)))

	stop := make(chan struct{})
	var readErrs int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			data, err := os.ReadFile(fe.Path("c1"))
			if err != nil {
				continue
			}
			var rec models.CallRecord
			if json.Unmarshal(data, &rec) != nil {
				readErrs++
			}
		}
	}()

	var writers sync.WaitGroup
	for i := 0; i < 4; i++ {
		writers.Add(1)
		go func(i int) {
			defer writers.Done()
			for j := 0; j < 25; j++ {
				assert.NoError(t, fe.Export(context.Background(), sampleRecord("c1", 50+i*j)))
			}
		}(i)
	}
	writers.Wait()
	close(stop)
	wg.Wait()

	assert.Equal(t, 0, readErrs)
}

func TestRedisExporter_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	re := NewRedisExporter(NewRedisKVStore(client), "guardian:call:", time.Hour)
	require.NoError(t, re.Export(context.Background(), sampleRecord("c1", 2)))

	assert.True(t, mr.Exists("guardian:call:c1"))
	assert.Equal(t, time.Hour, mr.TTL("guardian:call:c1"))

	got, err := re.Load(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, got.Transcript, 2)

	_, err = re.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

type failingExporter struct{ err error }

func (f failingExporter) Export(ctx context.Context, record *models.CallRecord) error { return f.err }

func TestMultiExporter_ExportsToAllAndJoinsErrors(t *testing.T) {
	kv := newFakeKVStore()
	e1 := errors.New("disk full")
	m := MultiExporter{failingExporter{err: e1}, NewRedisExporter(kv, "p:", 0)}

	err := m.Export(context.Background(), sampleRecord("c1", 1))
	assert.ErrorIs(t, err, e1)

	_, getErr := kv.Get(context.Background(), "p:c1")
	assert.NoError(t, getErr)

	assert.NoError(t, MultiExporter{}.Export(context.Background(), sampleRecord("c1", 1)))
}

func TestStatusPublisher(t *testing.T) {
	kv := newFakeKVStore()
	p := NewStatusPublisher(kv, "guardian:call:", time.Minute)

	require.NoError(t, p.Publish(context.Background(), ToolStatus{
		CallID:          "c1",
		Tool:            "transcript_analysis",
		ToolDescription: "Analyzing conversation for scam indicators",
	}))

	val, err := kv.Get(context.Background(), "guardian:call:c1:status")
	require.NoError(t, err)
	var st ToolStatus
	require.NoError(t, json.Unmarshal([]byte(val), &st))
	assert.Equal(t, "transcript_analysis", st.Tool)
}
