package httpmsg

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// RequestHead is a parsed HTTP/1.x request start-line plus headers.
type RequestHead struct {
	Method  string
	Target  string
	Version string
	Header  Header
}

// ResponseHead is a parsed HTTP/1.x response start-line plus headers.
type ResponseHead struct {
	Version    string
	StatusCode int
	Reason     string
	Header     Header
}

const maxStartLineLen = 8 << 10
const maxHeaderLines = 200

// ReadRequestHead reads a request-line and header block (up to the
// terminating blank line) from r.
func ReadRequestHead(r *bufio.Reader) (RequestHead, error) {
	line, err := readLine(r)
	if err != nil {
		return RequestHead{}, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return RequestHead{}, fmt.Errorf("malformed request line: %q", line)
	}
	method, target, version := parts[0], parts[1], parts[2]
	if !strings.HasPrefix(version, "HTTP/") {
		return RequestHead{}, fmt.Errorf("malformed request version: %q", version)
	}

	hdr, err := readHeaders(r)
	if err != nil {
		return RequestHead{}, err
	}
	return RequestHead{Method: method, Target: target, Version: version, Header: hdr}, nil
}

// ReadResponseHead reads a status-line and header block from r.
func ReadResponseHead(r *bufio.Reader) (ResponseHead, error) {
	line, err := readLine(r)
	if err != nil {
		return ResponseHead{}, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return ResponseHead{}, fmt.Errorf("malformed status line: %q", line)
	}
	version := parts[0]
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return ResponseHead{}, fmt.Errorf("malformed status code: %q", parts[1])
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}

	hdr, err := readHeaders(r)
	if err != nil {
		return ResponseHead{}, err
	}
	return ResponseHead{Version: version, StatusCode: code, Reason: reason, Header: hdr}, nil
}

func readHeaders(r *bufio.Reader) (Header, error) {
	var h Header
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return h, nil
		}
		if len(h) >= maxHeaderLines {
			return nil, fmt.Errorf("too many header lines (max %d)", maxHeaderLines)
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, fmt.Errorf("malformed header line: %q", line)
		}
		name := line[:idx]
		value := strings.TrimSpace(line[idx+1:])
		h = append(h, Field{Name: name, Value: value})
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) > maxStartLineLen {
		return "", fmt.Errorf("header line too long (max %d bytes)", maxStartLineLen)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// WriteRequestHead serialises a request start-line and headers, terminated
// by the blank line, into buf.
func WriteRequestHead(buf *strings.Builder, method, target, version string, h Header) {
	buf.WriteString(method)
	buf.WriteByte(' ')
	buf.WriteString(target)
	buf.WriteByte(' ')
	buf.WriteString(version)
	buf.WriteString("\r\n")
	writeHeaders(buf, h)
}

// WriteResponseHead serialises a status-line and headers into buf.
func WriteResponseHead(buf *strings.Builder, statusCode int, reason string, h Header) {
	fmt.Fprintf(buf, "HTTP/1.1 %d %s\r\n", statusCode, reason)
	writeHeaders(buf, h)
}

func writeHeaders(buf *strings.Builder, h Header) {
	for _, f := range h {
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
}

// BodyFraming describes how to determine where a message body ends.
type BodyFraming int

const (
	// BodyNone means the message has no body regardless of headers (HEAD
	// responses, 1xx/204/304 statuses, or a bodyless request).
	BodyNone BodyFraming = iota
	// BodyChunked means Transfer-Encoding: chunked was present.
	BodyChunked
	// BodyContentLength means an explicit, validated Content-Length applies.
	BodyContentLength
	// BodyUntilClose means the body runs until the peer closes (origin
	// responses with neither chunked nor Content-Length framing).
	BodyUntilClose
)

// RequestBodyFraming applies spec.md §4.2's reduced RFC 7230 rules to a
// request: chunked wins over Content-Length; otherwise a request with
// neither header has no body.
func RequestBodyFraming(h Header) (BodyFraming, int64, error) {
	if isChunked(h) {
		return BodyChunked, 0, nil
	}
	if v, ok := h.Get("Content-Length"); ok {
		n, err := parseContentLength(v)
		if err != nil {
			return BodyNone, 0, err
		}
		return BodyContentLength, n, nil
	}
	return BodyNone, 0, nil
}

// ResponseBodyFraming applies spec.md §4.2's rules to a response. method is
// the request method that produced this response (HEAD responses never have
// a body). statusCode is the response status.
func ResponseBodyFraming(method string, statusCode int, h Header) (BodyFraming, int64, error) {
	if strings.EqualFold(method, "HEAD") || isBodylessStatus(statusCode) {
		return BodyNone, 0, nil
	}
	if isChunked(h) {
		return BodyChunked, 0, nil
	}
	if v, ok := h.Get("Content-Length"); ok {
		n, err := parseContentLength(v)
		if err != nil {
			return BodyNone, 0, err
		}
		return BodyContentLength, n, nil
	}
	return BodyUntilClose, 0, nil
}

func isBodylessStatus(code int) bool {
	if code >= 100 && code < 200 {
		return true
	}
	return code == 204 || code == 304
}

func isChunked(h Header) bool {
	for _, v := range h.Values("Transfer-Encoding") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "chunked") {
				return true
			}
		}
	}
	return false
}

func parseContentLength(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("empty Content-Length")
	}
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("malformed Content-Length: %q", v)
		}
	}
	n, err := strconv.ParseInt(v, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("malformed Content-Length: %q", v)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative Content-Length: %q", v)
	}
	return n, nil
}
