package store

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/pkg/errors"
	cos "github.com/tencentyun/cos-go-sdk-v5"
)

const putRetries = 3

type COSConfig struct {
	BucketURL string `json:"bucket_url"`
	SecretID  string `json:"secret_id"`
	SecretKey string `json:"secret_key"`
	// Prefix is prepended to every key.
	Prefix string `json:"prefix"`
}

// COS stores artifacts in a Tencent Cloud object storage bucket.
type COS struct {
	client *cos.Client
	prefix string
}

func NewCOS(cfg COSConfig) (*COS, error) {
	u, err := url.Parse(cfg.BucketURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse bucket url %q", cfg.BucketURL)
	}
	client := cos.NewClient(&cos.BaseURL{BucketURL: u}, &http.Client{
		Transport: &cos.AuthorizationTransport{
			SecretID:  cfg.SecretID,
			SecretKey: cfg.SecretKey,
		},
	})
	return &COS{client: client, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *COS) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *COS) Put(ctx context.Context, key string, data []byte) error {
	opt := &cos.ObjectPutOptions{
		ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{
			ContentType: contentType(key),
		},
	}
	var err error
	for retry := 0; retry < putRetries; retry++ {
		_, err = s.client.Object.Put(ctx, s.objectKey(key), bytes.NewReader(data), opt)
		if err == nil || ctx.Err() != nil {
			break
		}
	}
	return errors.Wrapf(err, "put %s", key)
}

func (s *COS) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.Object.Get(ctx, s.objectKey(key), nil)
	if err != nil {
		var cosErr *cos.ErrorResponse
		if errors.As(err, &cosErr) && cosErr.Response != nil && cosErr.Response.StatusCode == http.StatusNotFound {
			return nil, errors.Wrap(ErrNotFound, key)
		}
		return nil, errors.Wrapf(err, "get %s", key)
	}
	data, err := readAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", key)
	}
	return data, nil
}

func (s *COS) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	opt := &cos.BucketGetOptions{Prefix: s.objectKey(prefix), MaxKeys: 1000}
	for {
		res, _, err := s.client.Bucket.Get(ctx, opt)
		if err != nil {
			return nil, errors.Wrapf(err, "list %s", prefix)
		}
		for _, obj := range res.Contents {
			key := obj.Key
			if s.prefix != "" {
				key = strings.TrimPrefix(key, s.prefix+"/")
			}
			keys = append(keys, key)
		}
		if !res.IsTruncated {
			break
		}
		opt.Marker = res.NextMarker
	}
	sort.Strings(keys)
	return keys, nil
}

func contentType(key string) string {
	if strings.HasSuffix(key, ".png") {
		return "image/png"
	}
	return "application/octet-stream"
}
