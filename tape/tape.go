package tape

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// NoRequestError is returned by RoundTrip when the tape is read-only and a
// corresponding entry is not found for the current request.
//
// Because the error is returned from the transport, it may be wrapped.
type NoRequestError struct{ Request *http.Request }

// Error implements the error interface.
func (e NoRequestError) Error() string {
	if e.Request == nil || e.Request.URL == nil {
		return "no recorded entry"
	}
	return fmt.Sprintf("no recorded entry for %s %s", e.Request.Method, e.Request.URL)
}

// Selector chooses a recorded Entry to respond to a given request.
type Selector interface {
	Select(entries []Entry, req *http.Request) (Entry, bool)
}

// New is a convenience function for creating a new tape.
func New(filename string, mode Mode, filters ...Filter) *Tape {
	if mode == Default {
		mode = ReadWrite
	}
	return &Tape{
		Filename:  filename,
		Mode:      mode,
		Transport: http.DefaultTransport,
		Filters:   filters,
	}
}

// Tape holds the recorded request/response entries of one session.
//
// Entries are read from disk the first time the tape is used. Recorded
// entries are written to disk as soon as they are recorded: the first write
// of a session rewrites the file, later writes are appended.
//
// A Tape is safe for concurrent use once its fields are set.
type Tape struct {
	// Filename to use for saved entries. A .yml extension is added if not set.
	// Any subdirectories are created if needed.
	Filename string

	// Mode to use. The zero value behaves like ReadWrite.
	Mode Mode

	// Filters to apply before saving to disk.
	// Filters are executed in the order specified.
	Filters []Filter

	// Transport to use for real requests made by RoundTrip.
	// If nil, http.DefaultTransport is used.
	Transport http.RoundTripper

	// An optional Selector may be specified to control which recorded Entry
	// is selected to respond to a given request. If nil, the first recorded
	// response with a matching method and url is picked.
	Selector Selector

	once    sync.Once
	loadErr error

	mu      sync.Mutex
	written int
	entries []Entry
}

var _ http.RoundTripper = (*Tape)(nil)

// Name returns the tape name, which is the file name without directory and
// extension.
func (t *Tape) Name() string {
	return strings.TrimSuffix(filepath.Base(t.Filename), ".yml")
}

// IsReadable reports whether recorded entries are replayed.
func (t *Tape) IsReadable() bool {
	return t.Mode != WriteOnly
}

// IsWritable reports whether new exchanges are recorded.
func (t *Tape) IsWritable() bool {
	return t.Mode != ReadOnly
}

func (t *Tape) load() error {
	t.once.Do(func() {
		if !t.IsReadable() {
			// Write-only tapes replace whatever was recorded before.
			return
		}
		t.loadErr = t.loadFromDisk()
	})
	return t.loadErr
}

// Path returns the file the tape is stored in.
func (t *Tape) Path() string {
	if strings.HasSuffix(t.Filename, ".yml") {
		return t.Filename
	}
	return t.Filename + ".yml"
}

func (t *Tape) loadFromDisk() error {
	existing, err := ioutil.ReadFile(t.Path())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read tape %s: %w", t.Path(), err)
	}
	values := bytes.Split(existing, []byte("\n---\n"))
	for i, val := range values {
		var e Entry
		if err := yaml.Unmarshal(val, &e); err != nil {
			return fmt.Errorf("unmarshal entry %d from %s: %w", i, t.Path(), err)
		}
		if e.Request == nil || e.Response == nil {
			continue
		}
		t.entries = append(t.entries, e)
	}
	return nil
}

// Play returns the recorded response for req, if the tape is readable and
// holds a matching entry.
func (t *Tape) Play(req *http.Request) (*http.Response, bool, error) {
	if err := t.load(); err != nil {
		return nil, false, err
	}
	if !t.IsReadable() {
		return nil, false, nil
	}

	t.mu.Lock()
	var e Entry
	var ok bool
	if t.Selector != nil {
		e, ok = t.Selector.Select(t.entries, req)
	} else {
		e, ok = lookup(t.entries, req.Method, req.URL.String())
	}
	t.mu.Unlock()

	if !ok {
		return nil, false, nil
	}
	return e.Response.httpResponse(req), true, nil
}

// Record stores the exchange of req and resp on the tape and writes it to
// disk. Both bodies are read and replaced, so req and resp can still be used
// by the caller afterwards.
func (t *Tape) Record(req *http.Request, resp *http.Response) error {
	reqBody, err := readBody(&req.Body)
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	_, err = t.record(req, reqBody, resp)
	return err
}

func (t *Tape) record(req *http.Request, reqBody string, resp *http.Response) (Entry, error) {
	if err := t.load(); err != nil {
		return Entry{}, err
	}
	respBody, err := readBody(&resp.Body)
	if err != nil {
		return Entry{}, fmt.Errorf("read response body: %w", err)
	}

	e := Entry{
		Request: &Request{
			Method:  req.Method,
			URL:     req.URL.String(),
			Headers: flattenHeader(req.Header),
			Body:    reqBody,
		},
		Response: &Response{
			StatusCode: resp.StatusCode,
			Headers:    flattenHeader(resp.Header),
			Body:       respBody,
		},
	}

	// Apply filters
	for _, apply := range t.Filters {
		apply(&e)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, e)
	if err := t.writeLocked(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// writeLocked writes the entries not yet on disk. The first write of a
// session truncates the file and writes every entry held by the tape.
func (t *Tape) writeLocked() error {
	if err := os.MkdirAll(filepath.Dir(t.Path()), 0750); err != nil {
		return err
	}

	var filemode int
	if t.written == 0 {
		filemode = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	} else {
		filemode = os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(t.Path(), filemode, 0644)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Round(time.Second)
	for ; t.written < len(t.entries); t.written++ {
		if t.written > 0 {
			fmt.Fprintf(f, "\n---\n\n")
		}
		fmt.Fprintf(f, "# request %d\n", t.written)
		fmt.Fprintf(f, "# timestamp %s\n", now)

		b, err := yaml.Marshal(t.entries[t.written])
		if err != nil {
			f.Close()
			return err
		}
		if _, err := f.Write(b); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// RoundTrip implements http.RoundTripper so a tape can be used directly as a
// client transport.
//
// A matching entry is replayed when the tape is readable. Otherwise the
// request is sent with Transport and recorded, unless the tape is read-only,
// in which case NoRequestError is returned.
func (t *Tape) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, ok, err := t.Play(req)
	if err != nil {
		return nil, err
	}
	if ok {
		return resp, nil
	}
	if !t.IsWritable() {
		return nil, NoRequestError{Request: req}
	}

	transport := t.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	body, err := readBody(&req.Body)
	if err != nil {
		return nil, err
	}

	resp, err = transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	e, err := t.record(req, body, resp)
	if err != nil {
		return nil, err
	}

	// Reconstruct response after filters have been processed
	return e.Response.httpResponse(req), nil
}

// Lookup returns an existing entry matching the given method and url.
//
// The method and url are case-insensitive.
//
// Returns false if no such entry exists.
func (t *Tape) Lookup(method, url string) (Entry, bool) {
	if err := t.load(); err != nil {
		return Entry{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return lookup(t.entries, method, url)
}

// Entries returns a copy of the entries currently held by the tape.
func (t *Tape) Entries() []Entry {
	if err := t.load(); err != nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

// Size returns the number of entries on the tape.
func (t *Tape) Size() int {
	return len(t.Entries())
}

func lookup(entries []Entry, method, url string) (Entry, bool) {
	for _, e := range entries {
		if strings.EqualFold(e.Request.Method, method) && strings.EqualFold(e.Request.URL, url) {
			return e, true
		}
	}
	return Entry{}, false
}

// readBody drains rc and replaces it with an equivalent reader.
func readBody(rc *io.ReadCloser) (string, error) {
	if *rc == nil || *rc == http.NoBody {
		return "", nil
	}
	b, err := ioutil.ReadAll(*rc)
	if err != nil {
		return "", err
	}
	if err := (*rc).Close(); err != nil {
		return "", err
	}
	*rc = ioutil.NopCloser(bytes.NewReader(b))
	return string(b), nil
}

// A Filter modifies the entry before it is saved to disk.
//
// Filters are applied after the actual request, with the primary purpose
// being to remove sensitive data from the saved file.
type Filter func(entry *Entry)

// RemoveRequestHeader removes a header with the given name from the request.
// The name of the header is case-sensitive.
func RemoveRequestHeader(name string) Filter {
	return func(e *Entry) {
		delete(e.Request.Headers, name)
	}
}

// RemoveResponseHeader removes a header with the given name from the response.
// The name of the header is case-sensitive.
func RemoveResponseHeader(name string) Filter {
	return func(e *Entry) {
		delete(e.Response.Headers, name)
	}
}

// An Entry is a single recorded request-response entry.
type Entry struct {
	Request  *Request  `yaml:"request"`
	Response *Response `yaml:"response"`
}

// A Request is a recorded outgoing request.
//
// The headers are flattened to a simple key-value map. The underlying request
// may contain multiple value for each key but in practice this is not very
// common and working with a simple key-value map is much more convenient.
type Request struct {
	Method  string            `yaml:"method"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty"`
}

// A Response is a recorded incoming response.
//
// Headers are flattened the same way as for Request.
type Response struct {
	StatusCode int               `yaml:"status_code"`
	Headers    map[string]string `yaml:"headers,omitempty"`
	Body       string            `yaml:"body,omitempty"`
}

func (r *Response) httpResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.StatusCode, http.StatusText(r.StatusCode)),
		StatusCode:    r.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        expandHeader(r.Headers),
		Body:          ioutil.NopCloser(strings.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

func flattenHeader(in http.Header) map[string]string {
	out := make(map[string]string, len(in))
	for k, vv := range in {
		if len(vv) == 0 {
			continue
		}
		out[k] = vv[0]
	}
	return out
}

func expandHeader(in map[string]string) http.Header {
	out := make(http.Header, len(in))
	for k, v := range in {
		out.Set(k, v)
	}
	return out
}

// OncePerCall is a Selector that selects entries based on the method and URL,
// but it will only select any given entry at most once.
type OncePerCall struct {
	mu   sync.Mutex
	used map[int]bool
}

// Select implements Selector and chooses an entry.
func (s *OncePerCall) Select(entries []Entry, req *http.Request) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used == nil {
		s.used = map[int]bool{}
	}
	for i, e := range entries {
		if !strings.EqualFold(e.Request.Method, req.Method) {
			continue
		} else if !strings.EqualFold(e.Request.URL, req.URL.String()) {
			continue
		}
		if !s.used[i] {
			s.used[i] = true
			return e, true
		}
	}
	return Entry{}, false
}
