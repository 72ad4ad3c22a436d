package store

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	raven "github.com/getsentry/raven-go"
)

// s3Filesystem implements Filesystem over an S3 bucket. Prefix is prepended
// to every path so one bucket can host more than one repository base path.
//
// S3 has no native append, so OpenAppend is read-modify-write: it downloads
// the object's current bytes (if any), buffers further writes in memory,
// and re-uploads the whole object on Close. That is fine for the sealed
// tier, where files are written once and rarely touched again, but an AU's
// active WARC is appended to on every commit; a deployment that points the
// active-WARC base path at S3 should keep threshold_warc_size small so each
// read-modify-write cycle stays cheap.
type s3Filesystem struct {
	root   string
	svc    *s3.S3
	bucket string
	prefix string
	sizes  *sizecache
}

// NewS3Filesystem returns a Filesystem backed by bucket, with every path
// prefixed by prefix. root is the logical base path this Filesystem
// represents, returned by Root() and used by storage URL codecs.
func NewS3Filesystem(root, bucket, prefix string, awsSession *session.Session) Filesystem {
	return &s3Filesystem{
		root:   root,
		svc:    s3.New(awsSession),
		bucket: bucket,
		prefix: prefix,
		sizes:  newSizeCache(),
	}
}

func (fs *s3Filesystem) Root() string { return fs.root }

func (fs *s3Filesystem) key(path string) string { return fs.prefix + path }

func (fs *s3Filesystem) Size(path string) (int64, error) {
	return fs.stat(path)
}

func (fs *s3Filesystem) stat(path string) (int64, error) {
	return fs.sizes.Get(path, fs.stat0)
}

func (fs *s3Filesystem) stat0(path string) (int64, error) {
	info, err := fs.svc.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(fs.bucket),
		Key:    aws.String(fs.key(path)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, ErrNotExist
		}
		return 0, err
	}
	return *info.ContentLength, nil
}

func isNotFound(err error) bool {
	if e, ok := err.(awserr.RequestFailure); ok {
		return e.StatusCode() == http.StatusNotFound
	}
	return false
}

func (fs *s3Filesystem) OpenRead(path string) (ReaderAt, error) {
	size, err := fs.stat(path)
	if err != nil {
		return nil, err
	}
	return &s3ReaderAt{svc: fs.svc, bucket: fs.bucket, key: fs.key(path), size: size}, nil
}

func (fs *s3Filesystem) OpenAppend(path string) (AppendCloser, error) {
	var existing []byte
	size, err := fs.stat(path)
	switch err {
	case nil:
		r, gerr := fs.svc.GetObject(&s3.GetObjectInput{
			Bucket: aws.String(fs.bucket),
			Key:    aws.String(fs.key(path)),
		})
		if gerr != nil {
			return nil, gerr
		}
		defer r.Body.Close()
		existing = make([]byte, size)
		if _, rerr := io.ReadFull(r.Body, existing); rerr != nil {
			return nil, rerr
		}
	case ErrNotExist:
		// fresh object
	default:
		return nil, err
	}

	a := &s3Appender{fs: fs, path: path}
	a.buf.Write(existing)
	return a, nil
}

func (fs *s3Filesystem) Rename(oldpath, newpath string) error {
	if _, err := fs.stat(newpath); err == nil {
		return ErrExist
	}
	_, err := fs.svc.CopyObject(&s3.CopyObjectInput{
		Bucket:     aws.String(fs.bucket),
		CopySource: aws.String(fs.bucket + "/" + fs.key(oldpath)),
		Key:        aws.String(fs.key(newpath)),
	})
	if err != nil {
		raven.CaptureError(err, map[string]string{"Bucket": fs.bucket, "Old": oldpath, "New": newpath})
		return err
	}
	return fs.Remove(oldpath)
}

func (fs *s3Filesystem) Remove(path string) error {
	_, err := fs.svc.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(fs.bucket),
		Key:    aws.String(fs.key(path)),
	})
	if err != nil {
		log.Println("s3 Remove:", path, err)
		raven.CaptureError(err, map[string]string{"Bucket": fs.bucket, "Key": path})
		return nil
	}
	fs.sizes.Set(path, sizeDeleted)
	return nil
}

// Truncate has no native equivalent in S3; it downloads the object, slices
// it to size, and re-uploads, the same read-modify-write shape OpenAppend
// already uses for this backend.
func (fs *s3Filesystem) Truncate(path string, size int64) error {
	cur, err := fs.stat(path)
	if err != nil {
		return err
	}
	if size > cur {
		return fmt.Errorf("store: truncate size %d exceeds current length %d", size, cur)
	}
	r, err := fs.svc.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(fs.bucket),
		Key:    aws.String(fs.key(path)),
	})
	if err != nil {
		return err
	}
	defer r.Body.Close()
	data := make([]byte, cur)
	if _, err := io.ReadFull(r.Body, data); err != nil {
		return err
	}
	_, err = fs.svc.PutObject(&s3.PutObjectInput{
		Bucket:        aws.String(fs.bucket),
		Key:           aws.String(fs.key(path)),
		Body:          bytes.NewReader(data[:size]),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return err
	}
	fs.sizes.Set(path, size)
	return nil
}

func (fs *s3Filesystem) List(dir string) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		input := &s3.ListObjectsV2Input{
			Bucket: aws.String(fs.bucket),
			Prefix: aws.String(fs.key(dir)),
		}
		err := fs.svc.ListObjectsV2Pages(input, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, item := range page.Contents {
				out <- strings.TrimPrefix(*item.Key, fs.prefix)
			}
			return !lastPage
		})
		if err != nil {
			log.Println("s3 List:", dir, err)
			raven.CaptureError(err, map[string]string{"Bucket": fs.bucket, "Prefix": dir})
		}
	}()
	return out
}

// Info has no cheap equivalent of disk usage in S3; it reports all zeros
// rather than guessing at a bucket's quota.
func (fs *s3Filesystem) Info() (Info, error) {
	return Info{}, nil
}

// s3ReaderAt adapts ranged GETs into io.ReaderAt, caching pages so a
// sequential scan (the common case, WARC record parsing) does not re-fetch
// the same bytes repeatedly. It is not safe for concurrent use by more than
// one goroutine; callers needing concurrent reads should OpenRead again.
type s3ReaderAt struct {
	svc    *s3.S3
	bucket string
	key    string
	size   int64
	pages  []s3Page
}

type s3Page struct {
	data   []byte
	offset int64
}

const (
	s3PageSize = 10 * 1024 * 1024 // 10 MiB
	s3MaxPages = 5
)

func (r *s3ReaderAt) Size() (int64, error) { return r.size, nil }

func (r *s3ReaderAt) ReadAt(p []byte, offset int64) (int, error) {
	var err error
	start := offset
	for len(p) > 0 {
		if offset >= r.size {
			break
		}
		var page s3Page
		page, err = r.getPage(offset)
		if err != nil {
			break
		}
		n := copy(p, page.data[offset-page.offset:])
		p = p[n:]
		offset += int64(n)
	}
	if err == io.EOF && start != offset {
		err = nil
	} else if err == nil && start == offset && len(p) > 0 {
		err = io.EOF
	}
	return int(offset - start), err
}

func (r *s3ReaderAt) getPage(offset int64) (s3Page, error) {
	for i, page := range r.pages {
		if page.offset <= offset && offset < page.offset+int64(len(page.data)) {
			if i > 0 {
				copy(r.pages[1:i+1], r.pages[:i])
				r.pages[0] = page
			}
			return page, nil
		}
	}
	page, err := r.loadPage(offset)
	if err != nil {
		return s3Page{}, err
	}
	if len(r.pages) < s3MaxPages {
		r.pages = append(r.pages, page)
	} else {
		r.pages[s3MaxPages-1] = page
	}
	return page, nil
}

func (r *s3ReaderAt) loadPage(offset int64) (s3Page, error) {
	start := (offset / s3PageSize) * s3PageSize
	end := start + s3PageSize - 1
	if end >= r.size {
		end = r.size - 1
	}
	out, err := r.svc.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(fmtRange(start, end)),
	})
	if err != nil {
		return s3Page{}, err
	}
	defer out.Body.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, out.Body); err != nil {
		return s3Page{}, err
	}
	return s3Page{data: buf.Bytes(), offset: start}, nil
}

func fmtRange(start, end int64) string {
	return fmt.Sprintf("bytes=%d-%d", start, end)
}

func (r *s3ReaderAt) Close() error { return nil }

// s3Appender buffers writes in memory and uploads the full object on Close,
// using a multipart upload when the buffer has grown past S3's single-PUT
// comfort zone.
type s3Appender struct {
	fs   *s3Filesystem
	path string
	buf  bytes.Buffer
}

func (a *s3Appender) Write(p []byte) (int, error) {
	return a.buf.Write(p)
}

const s3MultipartThreshold = 64 * 1024 * 1024

func (a *s3Appender) Close() error {
	key := a.fs.key(a.path)
	defer a.fs.sizes.Set(a.path, int64(a.buf.Len()))

	if a.buf.Len() <= s3MultipartThreshold {
		_, err := a.fs.svc.PutObject(&s3.PutObjectInput{
			Bucket:        aws.String(a.fs.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(a.buf.Bytes()),
			ContentLength: aws.Int64(int64(a.buf.Len())),
		})
		return err
	}
	return a.uploadMultipart(key)
}

func (a *s3Appender) uploadMultipart(key string) error {
	created, err := a.fs.svc.CreateMultipartUpload(&s3.CreateMultipartUploadInput{
		Bucket: aws.String(a.fs.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	uploadID := created.UploadId

	data := a.buf.Bytes()
	var (
		completed []*s3.CompletedPart
		partSize  = s3MultipartThreshold
	)
	for i, off := 0, 0; off < len(data); i, off = i+1, off+partSize {
		end := off + partSize
		if end > len(data) {
			end = len(data)
		}
		out, err := a.fs.svc.UploadPart(&s3.UploadPartInput{
			Bucket:     aws.String(a.fs.bucket),
			Key:        aws.String(key),
			UploadId:   uploadID,
			PartNumber: aws.Int64(int64(i + 1)),
			Body:       bytes.NewReader(data[off:end]),
		})
		if err != nil {
			a.fs.svc.AbortMultipartUpload(&s3.AbortMultipartUploadInput{
				Bucket: aws.String(a.fs.bucket), Key: aws.String(key), UploadId: uploadID,
			})
			return err
		}
		completed = append(completed, &s3.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int64(int64(i + 1)),
		})
	}
	_, err = a.fs.svc.CompleteMultipartUpload(&s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(a.fs.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: completed},
	})
	return err
}
