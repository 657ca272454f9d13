package serializer

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadResponseBodyIntact(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nServer: Test\r\nContent-Length: 16\r\n\r\nThis is the body"

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	require.NoError(t, err)

	sRes, err := ReadResponse(res)
	require.NoError(t, err)
	require.Equal(t, "This is the body", string(sRes.Body))

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, "This is the body", string(body))
}

func TestReadResponseDropsFramingHeaders(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: 2\r\n\r\nok"

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	require.NoError(t, err)

	sRes, err := ReadResponse(res)
	require.NoError(t, err)
	require.Empty(t, sRes.Header.Get("Content-Length"))
	require.Equal(t, "text/html", sRes.Header.Get("Content-Type"))
}

func TestStoredResponseSerialization(t *testing.T) {
	storedAt := time.Now()
	header := http.Header{}
	header.Add("Test", "-ing")
	header.Add("Vary", "Accept")
	header.Add("Vary", "Accept-Language")

	bts, err := StoredResponseToBytes(StoredResponse{
		StatusCode: http.StatusCreated,
		Header:     header,
		Body:       []byte("<h1>hello</h1>"),
		StoredAt:   storedAt,
	})
	require.NoError(t, err)

	sRes, err := BytesToStoredResponse(bts)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, sRes.StatusCode)
	require.Equal(t, header, sRes.Header)
	require.Equal(t, "<h1>hello</h1>", string(sRes.Body))
	require.True(t, storedAt.Equal(sRes.StoredAt), "stored at %s, got %s", storedAt, sRes.StoredAt)
	require.Empty(t, sRes.Header.Get(storedAtHeaderName))
}

func TestStoredResponseCopiesAreIndependent(t *testing.T) {
	sRes := StoredResponse{StatusCode: http.StatusOK, Header: http.Header{"X-A": {"1"}}, Body: []byte("body")}

	first := sRes.Response()
	first.Header.Set("X-A", "changed")
	_, err := io.ReadAll(first.Body)
	require.NoError(t, err)

	second := sRes.Response()
	require.Equal(t, "1", second.Header.Get("X-A"))
	body, err := io.ReadAll(second.Body)
	require.NoError(t, err)
	require.Equal(t, "body", string(body))
	require.EqualValues(t, 4, second.ContentLength)
}
