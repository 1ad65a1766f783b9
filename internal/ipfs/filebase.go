package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectAPI is the subset of the S3 client the Filebase store needs.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// FilebaseStore pins through Filebase's S3-compatible API. Filebase returns
// the CID of every stored object in the "cid" user metadata.
type FilebaseStore struct {
	*Gateway
	bucket string
	client ObjectAPI
}

var _ Store = (*FilebaseStore)(nil)

type FilebaseConfig struct {
	Endpoint   string
	Bucket     string
	AccessKey  string
	SecretKey  string
	GatewayURL string
}

func NewFilebaseStore(ctx context.Context, cfg FilebaseConfig) (*FilebaseStore, error) {
	if cfg.Bucket == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("filebase: bucket and credentials are required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})
	return NewFilebaseStoreWithClient(client, cfg.Bucket, cfg.GatewayURL), nil
}

func NewFilebaseStoreWithClient(client ObjectAPI, bucket, gatewayURL string) *FilebaseStore {
	return &FilebaseStore{
		Gateway: NewGateway(gatewayURL),
		bucket:  bucket,
		client:  client,
	}
}

func (f *FilebaseStore) Upload(ctx context.Context, name string, doc Document) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	key := "bottles/" + name + ".json"
	if _, err := f.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(f.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata:    map[string]string{"content-hash": doc.ContentHash},
	}); err != nil {
		return "", fmt.Errorf("filebase put: %w", err)
	}

	head, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("filebase head: %w", err)
	}
	cid := strings.TrimSpace(head.Metadata["cid"])
	if cid == "" {
		return "", ErrEmptyCID
	}
	return cid, nil
}
