// Package blobstorage stores avatar images in an S3-compatible bucket.
// Object keys are deterministic per user, so uploading a new avatar
// replaces the previous one.
package blobstorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// Config is the blob_storage block of the server configuration.
type Config struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	Bucket         string `yaml:"bucket"`
	AccessKeyID    string `yaml:"access_key_id"`
	SecretKey      string `yaml:"secret_access_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	PublicBaseURL  string `yaml:"public_base_url"`
}

// S3BlobStorage is an avatar store backed by an S3-compatible service.
type S3BlobStorage struct {
	client *s3.Client
	cfg    Config
}

// NewS3BlobStorage builds a client from static credentials in the config.
func NewS3BlobStorage(cfg Config) (*S3BlobStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob storage bucket is required")
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 configuration: %v", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3BlobStorage{client: client, cfg: cfg}, nil
}

func avatarKey(userID string) string {
	return "avatars/" + userID
}

// PutAvatar uploads a user's avatar image and returns the public URL to
// store on the profile row. Only image content types are accepted.
func (s *S3BlobStorage) PutAvatar(ctx context.Context, userID string, data []byte, contentType string) (string, error) {
	if !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("avatar content type must be an image, got %q", contentType)
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(avatarKey(userID)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload avatar: %v", err)
	}

	return s.AvatarURL(userID), nil
}

// DeleteAvatar removes a user's avatar object. Deleting a missing
// avatar is not an error.
func (s *S3BlobStorage) DeleteAvatar(ctx context.Context, userID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(avatarKey(userID)),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("failed to delete avatar: %v", err)
	}
	return nil
}

// HasAvatar reports whether an avatar object exists for the user.
func (s *S3BlobStorage) HasAvatar(ctx context.Context, userID string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(avatarKey(userID)),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
			return false, nil
		}
		return false, fmt.Errorf("failed to check avatar: %v", err)
	}
	return true, nil
}

// AvatarURL returns the public URL for a user's avatar object.
func (s *S3BlobStorage) AvatarURL(userID string) string {
	base := strings.TrimSuffix(s.cfg.PublicBaseURL, "/")
	if base == "" {
		base = strings.TrimSuffix(s.cfg.Endpoint, "/") + "/" + s.cfg.Bucket
	}
	return base + "/" + avatarKey(userID)
}
