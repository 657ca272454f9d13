package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const storedAtHeaderName = "Precache-Stored-At"

// Headers describing the framing of a single message.
// They are not stored, they are computed again whenever the response is sent.
var framingHeaders = []string{"Content-Length", "Transfer-Encoding", "Connection", "Keep-Alive"}

type StoredResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// The value of the clock when the response was written to the store.
	StoredAt time.Time
}

// ReadResponse reads the whole response into a StoredResponse.
// The body of res is replaced with an identical unread copy,
// so the response can still be sent to the client afterwards.
func ReadResponse(res *http.Response) (StoredResponse, error) {
	sRes := StoredResponse{
		StatusCode: res.StatusCode,
		Header:     res.Header.Clone(),
	}
	if sRes.Header == nil {
		sRes.Header = make(http.Header)
	}
	for _, name := range framingHeaders {
		sRes.Header.Del(name)
	}
	if res.Body == nil {
		return sRes, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return sRes, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	sRes.Body = body
	return sRes, nil
}

// Response creates a new http.Response from the stored one.
// Every call returns an independent copy.
func (s StoredResponse) Response() *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
	}
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the stored response.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response()
	for _, name := range framingHeaders {
		res.Header.Del(name)
	}
	if !sRes.StoredAt.IsZero() {
		res.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.UnixNano(), 10))
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToStoredResponse parses bytes created with StoredResponseToBytes.
func BytesToStoredResponse(b []byte) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return sRes, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return sRes, err
	}
	if storedAt := res.Header.Get(storedAtHeaderName); storedAt != "" {
		if nanos, err := strconv.ParseInt(storedAt, 10, 64); err == nil {
			sRes.StoredAt = time.Unix(0, nanos)
		} else {
			log.Warn().Err(err).Str("value", storedAt).Msg("Could not parse stored time")
		}
	}
	res.Header.Del(storedAtHeaderName)
	for _, name := range framingHeaders {
		res.Header.Del(name)
	}
	sRes.StatusCode = res.StatusCode
	sRes.Header = res.Header
	sRes.Body = body
	return sRes, nil
}
