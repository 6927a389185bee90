package wsgi

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, b Body) []string {
	t.Helper()
	var chunks []string
	for {
		c, err := b.Next()
		if err == io.EOF {
			return chunks
		}
		require.NoError(t, err)
		chunks = append(chunks, string(c))
	}
}

func TestBytesBody(t *testing.T) {
	b := NewBytesBody([]byte("a"), nil, []byte("bc"))
	assert.Equal(t, []string{"a", "", "bc"}, drain(t, b))

	_, err := b.Next()
	assert.Equal(t, io.EOF, err)
	assert.NoError(t, b.Close())
}

func TestApplicationFunc(t *testing.T) {
	var gotStatus string
	app := ApplicationFunc(func(env *Environ, start StartResponse) (Body, error) {
		if err := start.Start("200 OK", nil, nil); err != nil {
			return nil, err
		}
		return NewBytesBody([]byte(env.Get("PATH_INFO"))), nil
	})

	env := &Environ{Vars: map[string]string{"PATH_INFO": "/x"}}
	body, err := app.Call(env, startFunc(func(status string, _ []Header, _ error) error {
		gotStatus = status
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, "200 OK", gotStatus)
	assert.Equal(t, []string{"/x"}, drain(t, body))

	_, ok := env.Lookup("QUERY_STRING")
	assert.False(t, ok)
}

type startFunc func(string, []Header, error) error

func (f startFunc) Start(status string, headers []Header, excInfo error) error {
	return f(status, headers, excInfo)
}

func TestFileWrapper_ReaderFallback(t *testing.T) {
	fw := NewFileWrapper(strings.NewReader("Hello world!\n"), 5)
	assert.Nil(t, fw.SendFile())
	assert.Equal(t, []string{"Hello", " worl", "d!\n"}, drain(t, fw))
	assert.NoError(t, fw.Close())
}

func TestFileWrapper_DefaultBlocksize(t *testing.T) {
	data := bytes.Repeat([]byte("z"), DefaultBlocksize+10)
	fw := NewFileWrapper(bytes.NewReader(data), 0)
	chunks := drain(t, fw)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], DefaultBlocksize)
	assert.Len(t, chunks[1], 10)
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestFileWrapper_ClosesReader(t *testing.T) {
	r := &closeTracker{Reader: strings.NewReader("x")}
	fw := NewFileWrapper(r, 4)
	require.NoError(t, fw.Close())
	assert.True(t, r.closed)
}

func TestFileWrapper_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("Hello world!\n"), 0644))

	f, err := os.Open(path)
	require.NoError(t, err)

	fw := NewFileWrapper(f, 4)
	defer fw.Close()

	if sendfileSupported {
		sf := fw.SendFile()
		require.NotNil(t, sf)
		assert.Equal(t, int(f.Fd()), sf.Fd)
		assert.Equal(t, int64(-1), sf.ContentLength)
		assert.Equal(t, 4, sf.Blocksize)
	}

	// the reader path still works, e.g. for chunked responses
	assert.Equal(t, []string{"Hell", "o wo", "rld!", "\n"}, drain(t, fw))
}

func TestSendFileInfo_UpdateContentLength(t *testing.T) {
	sf := NewSendFileInfo(3, 0, 7)
	sf.UpdateContentLength(5)
	assert.Equal(t, int64(5), sf.ContentLength)
	assert.Equal(t, 5, sf.Blocksize)

	sf = NewSendFileInfo(3, 0, 4)
	sf.UpdateContentLength(5)
	assert.Equal(t, 4, sf.Blocksize)
}

func TestSendFileInfo_Count(t *testing.T) {
	sf := NewSendFileInfo(3, 0, -1)
	assert.Equal(t, maxSendfileCount, sf.count())

	sf.UpdateContentLength(100)
	assert.Equal(t, 100, sf.count())

	sf.Offset = 100
	assert.Equal(t, 0, sf.count())
}
