package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/elazarl/goproxy"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// HeaderTapeproxy is added to every response served through a tape. It is
// PLAY for responses replayed from the tape and REC for responses fetched
// from upstream and recorded.
const HeaderTapeproxy = "X-Tapeproxy"

// Tape is the record/replay session consulted for each intercepted request.
type Tape interface {
	Name() string
	IsReadable() bool
	IsWritable() bool

	// Play returns the recorded response matching req, if any.
	Play(req *http.Request) (*http.Response, bool, error)

	// Record stores the exchange. It must leave both bodies readable.
	Record(req *http.Request, resp *http.Response) error
}

// IsConnect reports whether req establishes a tunnel. Tunnel establishment
// requests are never handed to a tape.
func IsConnect(req *http.Request) bool {
	return req.Method == http.MethodConnect
}

// NotConnect matches every request that does not establish a tunnel. It can
// be used as both a request and a response condition.
var NotConnect = goproxy.ReqConditionFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) bool {
	return req != nil && !IsConnect(req)
})

// FilterSource creates the Filters for every request passing through the
// proxy while a tape is loaded.
type FilterSource struct {
	Tape Tape

	// MaxRequestBufferSize caps the request body size. Zero or less means no
	// cap.
	MaxRequestBufferSize int

	Logger logrus.FieldLogger
}

// MaximumRequestBufferSizeInBytes returns the configured request body cap.
func (s *FilterSource) MaximumRequestBufferSizeInBytes() int {
	return s.MaxRequestBufferSize
}

// FilterRequest returns the Filters handling one exchange, or nil when req
// must not be intercepted.
func (s *FilterSource) FilterRequest(req *http.Request) *Filters {
	if IsConnect(req) {
		return nil
	}
	id := uuid.New().String()
	log := s.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Filters{
		tape:      s.Tape,
		maxBuffer: s.MaxRequestBufferSize,
		log: log.WithFields(logrus.Fields{
			"exchange": id,
			"method":   req.Method,
			"url":      req.URL.String(),
			"tape":     s.Tape.Name(),
		}),
		id: id,
	}
}

// Install registers the filters on p. Each exchange keeps its Filters in
// the proxy context between the request and the response.
func (s *FilterSource) Install(p *goproxy.ProxyHttpServer) {
	p.OnRequest(NotConnect).DoFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		f := s.FilterRequest(req)
		if f == nil {
			return req, nil
		}
		ctx.UserData = f
		return req, f.HandleRequest(req)
	})
	p.OnResponse(NotConnect).DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		f, ok := ctx.UserData.(*Filters)
		if !ok {
			return resp
		}
		return f.HandleResponse(resp)
	})
}

// Filters handles a single request/response exchange against a tape.
type Filters struct {
	tape      Tape
	maxBuffer int
	log       logrus.FieldLogger
	id        string

	req       *http.Request
	body      []byte
	forwarded bool
}

// ID identifies the exchange in logs.
func (f *Filters) ID() string { return f.id }

// HandleRequest returns the response to send to the client instead of
// forwarding req, or nil to forward it upstream.
func (f *Filters) HandleRequest(req *http.Request) *http.Response {
	body, err := bufferBody(req, f.maxBuffer)
	if err != nil {
		if errors.Is(err, ErrBufferOverflow) {
			f.log.WithError(err).Warn("request too large")
			return textResponse(req, http.StatusRequestEntityTooLarge, err.Error())
		}
		f.log.WithError(err).Error("reading request body")
		return textResponse(req, http.StatusBadRequest, err.Error())
	}
	f.req = req
	f.body = body

	if f.tape.IsReadable() {
		resp, ok, err := f.tape.Play(req)
		if err != nil {
			f.log.WithError(err).Error("reading tape")
			return textResponse(req, http.StatusInternalServerError, err.Error())
		}
		if ok {
			f.log.WithField("status", resp.StatusCode).Info("playing back")
			if resp.Header == nil {
				resp.Header = make(http.Header)
			}
			resp.Header.Set(HeaderTapeproxy, "PLAY")
			return resp
		}
	}

	if !f.tape.IsWritable() {
		msg := fmt.Sprintf("tape %s is read-only", f.tape.Name())
		f.log.Warn("no match on read-only tape")
		return textResponse(req, http.StatusForbidden, msg)
	}

	f.forwarded = true
	f.log.Debug("forwarding")
	return nil
}

// HandleResponse records resp when it was fetched from upstream for a
// writable tape. Responses served by HandleRequest pass through untouched.
func (f *Filters) HandleResponse(resp *http.Response) *http.Response {
	if resp == nil || !f.forwarded || !f.tape.IsWritable() {
		return resp
	}
	f.req.Body = io.NopCloser(bytes.NewReader(f.body))
	if err := f.tape.Record(f.req, resp); err != nil {
		f.log.WithError(err).Error("recording")
		return resp
	}
	f.log.WithField("status", resp.StatusCode).Info("recorded")
	resp.Header.Set(HeaderTapeproxy, "REC")
	return resp
}

// bufferBody reads the whole request body so that it can be matched and
// recorded, then restores it for forwarding. Bodies larger than max are
// rejected with ErrBufferOverflow.
func bufferBody(req *http.Request, max int) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()

	if max > 0 && req.ContentLength > int64(max) {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrBufferOverflow, req.ContentLength, max)
	}
	r := io.Reader(req.Body)
	if max > 0 {
		r = io.LimitReader(req.Body, int64(max)+1)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if max > 0 && len(b) > max {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBufferOverflow, max)
	}
	req.Body = io.NopCloser(bytes.NewReader(b))
	req.ContentLength = int64(len(b))
	req.TransferEncoding = nil
	return b, nil
}

func textResponse(req *http.Request, status int, body string) *http.Response {
	resp := goproxy.NewResponse(req, goproxy.ContentTypeText, status, body)
	resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1
	resp.TransferEncoding = nil
	resp.Status = fmt.Sprintf("%d %s", status, http.StatusText(status))
	return resp
}
