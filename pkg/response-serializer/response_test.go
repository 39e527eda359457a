package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestResponseToBytesBodyIntact(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nServer: Test\r\nContent-Length: 16\r\n\r\nThis is the body"

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = responseToBytes(res)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if string(body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}
}

func TestStoredResponseSerialization(t *testing.T) {
	body := []byte("body { color: red }")
	res := &http.Response{
		StatusCode:    201,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	res.Header.Add("Test", "-ing")
	storedAt := time.Now()

	bts, err := StoredResponseToBytes(StoredResponse{Response: res, StoredAt: storedAt})
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	if res.Header.Get(storedAtHeaderName) != "" {
		t.Fatalf("Stored-at header leaked into original %+v", res.Header)
	}

	sRes, err := BytesToStoredResponse(bts)
	if err != nil {
		t.Fatalf("Error creating response: %+v", err)
	}
	if sRes.Response.StatusCode != 201 {
		t.Fatalf("Status is %d", sRes.Response.StatusCode)
	}
	if sRes.Response.Header.Get("Test") != "-ing" {
		t.Fatalf("Test header wrong %+v", sRes.Response.Header)
	}
	if sRes.Response.Header.Get(storedAtHeaderName) != "" {
		t.Fatalf("Stored-at header not removed %+v", sRes.Response.Header)
	}
	if !sRes.StoredAt.Equal(storedAt) {
		t.Fatalf("Stored at %s, expected %s", sRes.StoredAt, storedAt)
	}
	stored, _ := io.ReadAll(sRes.Response.Body)
	if !bytes.Equal(stored, body) {
		t.Fatalf("Body is %s", stored)
	}
}
