package blob

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type fakeObject struct {
	data        []byte
	contentType string
}

// fakeObjectServer speaks enough of the path-style S3 API for the aws and
// minio clients: bucket checks, single and multipart PUT, and GET.
type fakeObjectServer struct {
	mu         sync.Mutex
	bucket     string
	objects    map[string]fakeObject
	parts      map[string]map[int][]byte
	nextUpload int
	failWrites bool

	// Content-Length of the last single-request object PUT.
	putLength int64
}

func newFakeObjectServer(bucket string) *fakeObjectServer {
	return &fakeObjectServer{
		bucket:  bucket,
		objects: make(map[string]fakeObject),
		parts:   make(map[string]map[int][]byte),
	}
}

func (f *fakeObjectServer) setFailWrites(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = fail
}

func (f *fakeObjectServer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func (f *fakeObjectServer) lastPutLength() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putLength
}

func (f *fakeObjectServer) object(key string) (fakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	return obj, ok
}

func (f *fakeObjectServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	q := r.URL.Query()

	if f.failWrites && (r.Method == http.MethodPut || r.Method == http.MethodPost) {
		writeS3Error(w, http.StatusInternalServerError, "InternalError", "We encountered an internal error. Please try again.")
		return
	}
	if bucket != f.bucket {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist")
		return
	}

	switch {
	case q.Has("location"):
		writeXML(w, struct {
			XMLName xml.Name `xml:"LocationConstraint"`
			Value   string   `xml:",chardata"`
		}{Value: "us-east-1"})

	case key == "":
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPost && q.Has("uploads"):
		f.nextUpload++
		id := strconv.Itoa(f.nextUpload)
		f.parts[id] = make(map[int][]byte)
		writeXML(w, struct {
			XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
			Bucket   string
			Key      string
			UploadId string
		}{Bucket: bucket, Key: key, UploadId: id})

	case r.Method == http.MethodPut && q.Has("uploadId"):
		parts, ok := f.parts[q.Get("uploadId")]
		if !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchUpload", "The specified upload does not exist")
			return
		}
		n, _ := strconv.Atoi(q.Get("partNumber"))
		parts[n] = readPayload(r)
		w.Header().Set("ETag", fmt.Sprintf(`"part-%d"`, n))
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPost && q.Has("uploadId"):
		id := q.Get("uploadId")
		parts := f.parts[id]
		delete(f.parts, id)
		var data []byte
		for i := 1; i <= len(parts); i++ {
			data = append(data, parts[i]...)
		}
		f.objects[key] = fakeObject{data: data, contentType: "application/octet-stream"}
		writeXML(w, struct {
			XMLName xml.Name `xml:"CompleteMultipartUploadResult"`
			Bucket  string
			Key     string
			ETag    string
		}{Bucket: bucket, Key: key, ETag: `"complete"`})

	case r.Method == http.MethodDelete && q.Has("uploadId"):
		delete(f.parts, q.Get("uploadId"))
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPut:
		f.putLength = r.ContentLength
		f.objects[key] = fakeObject{data: readPayload(r), contentType: r.Header.Get("Content-Type")}
		w.Header().Set("ETag", `"object"`)
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		obj, ok := f.objects[key]
		if !ok {
			writeS3Error(w, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")
			return
		}
		h := w.Header()
		h.Set("Content-Length", strconv.Itoa(len(obj.data)))
		h.Set("Content-Type", obj.contentType)
		h.Set("ETag", `"object"`)
		h.Set("Last-Modified", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(obj.data)
		}

	default:
		writeS3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "The specified method is not allowed")
	}
}

// readPayload returns the request body, undoing the chunk framing of
// streaming-signed uploads.
func readPayload(r *http.Request) []byte {
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		data, _ := io.ReadAll(r.Body)
		return data
	}
	var out bytes.Buffer
	br := bufio.NewReader(r.Body)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return out.Bytes()
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil || size == 0 {
			return out.Bytes()
		}
		if _, err := io.CopyN(&out, br, size); err != nil {
			return out.Bytes()
		}
		_, _ = br.Discard(2)
	}
}

func writeXML(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(v)
}

func writeS3Error(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(struct {
		XMLName   xml.Name `xml:"Error"`
		Code      string
		Message   string
		RequestId string
	}{Code: code, Message: message, RequestId: "fake"})
}
