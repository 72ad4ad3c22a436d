package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/ndlib/lockssrepo/store"
)

// splitBucketPrefix separates the bucket name from the rest of an s3:// URL
// path, making sure the returned prefix is either empty or ends in "/".
//
// examples:
//		"/bucket" -> ("bucket", "")
//		"/bucket/and/a/prefix" -> ("bucket", "and/a/prefix/")
func splitBucketPrefix(urlPath string) (bucket, prefix string) {
	urlPath = strings.TrimPrefix(urlPath, "/")
	v := strings.SplitN(urlPath, "/", 2)
	bucket = v[0]
	if len(v) > 1 {
		prefix = v[1]
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	return
}

// openLocation builds the Filesystem a base_paths entry names. A bare path
// or a "file://" URL is disk-backed; an "s3" URL is backed by S3. The first
// segment of an s3 URL's path names the bucket and the rest the prefix
// ("s3:/bucket/prefix"); a host, if present, is used as the S3 endpoint
// ("s3://localhost:9000/bucket/prefix"). This is the same bucket/prefix
// split and host-as-endpoint override the teacher's location parser
// (cmd/bendo/location.go) uses for its own S3 store.
func openLocation(location string) (store.Filesystem, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		path := location
		if u != nil && u.Scheme == "file" {
			path = u.Path
		}
		return store.NewOSFilesystem(path)
	}
	switch u.Scheme {
	case "s3":
		conf := &aws.Config{}
		if u.Host != "" {
			conf.Endpoint = aws.String(u.Host)
			conf.Region = aws.String("us-east-1")
			if strings.Contains(u.Host, "localhost") {
				conf.DisableSSL = aws.Bool(true)
				conf.S3ForcePathStyle = aws.Bool(true)
			}
		}
		bucket, prefix := splitBucketPrefix(u.Path)
		if bucket == "" {
			return nil, fmt.Errorf("location: no bucket name in %q", location)
		}
		sess, err := session.NewSession(conf)
		if err != nil {
			return nil, err
		}
		return store.NewS3Filesystem(location, bucket, prefix, sess), nil
	default:
		return nil, fmt.Errorf("location: unrecognized scheme %q in %q", u.Scheme, location)
	}
}
