// Package s3fake is an in-process HTTP server speaking enough of the S3
// multipart protocol (path-style addressing) to test S3-compatible stores.
package s3fake

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// Server implements http.Handler. Mount it with httptest.NewServer.
type Server struct {
	mu       sync.Mutex
	uploads  map[string]map[int][]byte
	objects  map[string][]byte
	aborted  []string
	failPart map[int]int
	nextID   int
}

// New returns an empty server.
func New() *Server {
	return &Server{
		uploads:  make(map[string]map[int][]byte),
		objects:  make(map[string][]byte),
		failPart: make(map[int]int),
	}
}

// ETag is the ETag the server hands out for a part.
func ETag(partNumber, size int) string {
	return fmt.Sprintf(`"etag-%d-%d"`, partNumber, size)
}

// FailPart makes every upload of partNumber answer with status.
func (f *Server) FailPart(partNumber, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPart[partNumber] = status
}

// Object returns a completed object by key.
func (f *Server) Object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

// Aborted returns the upload ids an abort was requested for.
func (f *Server) Aborted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.aborted...)
}

// Pending returns the number of multipart uploads neither completed nor aborted.
func (f *Server) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message><RequestId>req</RequestId></Error>`, code, code)
}

func (f *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// /bucket/key...
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest")
		return
	}
	bucket, key := parts[0], parts[1]
	q := r.URL.Query()
	uploadID := q.Get("uploadId")

	switch {
	case r.Method == http.MethodPost && q.Has("uploads"):
		f.nextID++
		id := fmt.Sprintf("upload-%d", f.nextID)
		f.uploads[id] = make(map[int][]byte)
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><InitiateMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><UploadId>%s</UploadId></InitiateMultipartUploadResult>`, bucket, key, id)

	case r.Method == http.MethodPut && uploadID != "":
		up, ok := f.uploads[uploadID]
		if !ok {
			writeError(w, http.StatusNotFound, "NoSuchUpload")
			return
		}
		n, _ := strconv.Atoi(q.Get("partNumber"))
		if status, ok := f.failPart[n]; ok {
			writeError(w, status, strings.ReplaceAll(http.StatusText(status), " ", ""))
			return
		}
		data, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "IncompleteBody")
			return
		}
		up[n] = data
		w.Header().Set("ETag", ETag(n, len(data)))

	case r.Method == http.MethodPost && uploadID != "":
		up, ok := f.uploads[uploadID]
		if !ok {
			writeError(w, http.StatusNotFound, "NoSuchUpload")
			return
		}
		var body struct {
			Parts []struct {
				ETag       string `xml:"ETag"`
				PartNumber int    `xml:"PartNumber"`
			} `xml:"Part"`
		}
		if err := xml.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "MalformedXML")
			return
		}
		var object []byte
		for i, p := range body.Parts {
			data, ok := up[p.PartNumber]
			if !ok || (i > 0 && body.Parts[i-1].PartNumber >= p.PartNumber) ||
				strings.Trim(p.ETag, `"`) != strings.Trim(ETag(p.PartNumber, len(data)), `"`) {
				writeError(w, http.StatusBadRequest, "InvalidPart")
				return
			}
			object = append(object, data...)
		}
		f.objects[key] = object
		delete(f.uploads, uploadID)
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><CompleteMultipartUploadResult><Location>http://fake/%s/%s</Location><Bucket>%s</Bucket><Key>%s</Key><ETag>"done"</ETag></CompleteMultipartUploadResult>`, bucket, key, bucket, key)

	case r.Method == http.MethodDelete && uploadID != "":
		f.aborted = append(f.aborted, uploadID)
		if _, ok := f.uploads[uploadID]; !ok {
			writeError(w, http.StatusNotFound, "NoSuchUpload")
			return
		}
		delete(f.uploads, uploadID)
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPut:
		data, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "IncompleteBody")
			return
		}
		f.objects[key] = data
		w.Header().Set("ETag", `"put"`)

	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

// readBody returns the payload of r, undoing aws-chunked framing when the
// client streamed a signed or trailing-checksum body.
func readBody(r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return io.ReadAll(r.Body)
	}

	br := bufio.NewReader(r.Body)
	var out []byte
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeField, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeField, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad chunk header %q: %w", line, err)
		}
		if size == 0 {
			// trailers follow; nothing left to keep
			return out, nil
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		if _, err := br.Discard(2); err != nil {
			return nil, err
		}
	}
}
