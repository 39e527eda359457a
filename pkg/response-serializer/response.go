package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"time"
)

const storedAtHeaderName = "Offline-Stored-At"

type StoredResponse struct {
	Response *http.Response
	// The value of the clock at the time the response was written to the store.
	StoredAt time.Time
}

// StoredResponseToBytes returns the HTTP/1.1 wire representation of the stored response.
// The time of storage travels along as an extra header which is removed again when reading.
// The body of the given response stays readable.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	if res == nil {
		return nil, fmt.Errorf("No response to serialize")
	}
	if res.Header == nil {
		res.Header = make(http.Header)
	}
	res.Header.Set(storedAtHeaderName, sRes.StoredAt.UTC().Format(time.RFC3339Nano))
	bts, err := responseToBytes(res)
	// remove the extra header just in case
	res.Header.Del(storedAtHeaderName)
	return bts, err
}

// BytesToStoredResponse reads a response previously written with StoredResponseToBytes.
func BytesToStoredResponse(b []byte) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return sRes, err
	}
	sRes.Response = res
	if storedAt := res.Header.Get(storedAtHeaderName); storedAt != "" {
		sRes.StoredAt, err = time.Parse(time.RFC3339Nano, storedAt)
		if err != nil {
			return sRes, err
		}
	}
	res.Header.Del(storedAtHeaderName)
	return sRes, nil
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response
func responseToBytes(res *http.Response) ([]byte, error) {
	// write response to buffer
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	// set response body back
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	// return buffer bytes
	return bts, nil
}
