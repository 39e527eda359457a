package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/always-cache/offline-cache/pkg/fetch"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// Snapshot is an immutable copy of a response: status, headers and body bytes.
type Snapshot struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// SnapshotFromResponse reads the response body into a snapshot.
// The body of the response is replaced so that it can still be sent on.
func SnapshotFromResponse(res *http.Response) (Snapshot, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return Snapshot{}, err
		}
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	header := fetch.ForwardHeader(res.Header)
	header.Del("Content-Length")
	return Snapshot{
		StatusCode: res.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

// OK reports whether the snapshot has a success status.
func (s Snapshot) OK() bool {
	return s.StatusCode >= 200 && s.StatusCode < 300
}

// Response creates a new response with the snapshot's content.
func (s Snapshot) Response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        s.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Entry is a snapshot stored under a request key in a generation.
type Entry struct {
	Generation string
	Key        string
	Snapshot   Snapshot
	StoredAt   time.Time
}

func entryToBytes(e Entry) ([]byte, error) {
	return serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: e.Snapshot.Response(nil),
		StoredAt: e.StoredAt,
	})
}

func bytesToEntry(generation, key string, b []byte) (Entry, error) {
	sRes, err := serializer.BytesToStoredResponse(b)
	if err != nil {
		return Entry{}, err
	}
	snapshot, err := SnapshotFromResponse(sRes.Response)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Generation: generation,
		Key:        key,
		Snapshot:   snapshot,
		StoredAt:   sRes.StoredAt,
	}, nil
}
