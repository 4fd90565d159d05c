package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/h2non/filetype"
	cfg "github.com/marqly/publisher/configs"
	"github.com/marqly/publisher/internal/platform"
)

const presignExpiry = 1 * time.Hour

// MediaService turns a post's stored media keys into presigned R2 URLs the
// platform connectors can fetch, classifying each object as image or video.
type MediaService struct {
	config cfg.Config
	client *s3.Client
}

func NewMediaService(cfg cfg.Config) *MediaService {
	return &MediaService{config: cfg}
}

func (m *MediaService) r2Client() (*s3.Client, error) {
	if m.client != nil {
		return m.client, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(m.config.R2.AccessKey, m.config.R2.SecretKey, "")),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}

	m.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", m.config.R2.AccountID))
	})
	return m.client, nil
}

func (m *MediaService) Resolve(ctx context.Context, keys []string) ([]platform.Media, error) {
	client, err := m.r2Client()
	if err != nil {
		return nil, err
	}
	presigner := s3.NewPresignClient(client)

	media := make([]platform.Media, 0, len(keys))
	for _, key := range keys {
		kind, err := m.classify(ctx, client, key)
		if err != nil {
			return nil, err
		}

		presigned, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(m.config.R2.BucketName),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(presignExpiry))
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}

		media = append(media, platform.Media{URL: presigned.URL, Kind: kind})
	}
	return media, nil
}

// classify reads the object's leading bytes and sniffs the content type, so
// connectors can pick the right endpoint for images vs videos.
func (m *MediaService) classify(ctx context.Context, client *s3.Client, key string) (string, error) {
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.config.R2.BucketName),
		Key:    aws.String(key),
		Range:  aws.String("bytes=0-261"),
	})
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}
	defer out.Body.Close()

	head, err := io.ReadAll(out.Body)
	if err != nil {
		slog.Info(err.Error())
		return "", err
	}

	if filetype.IsVideo(head) {
		return platform.MediaKindVideo, nil
	}
	return platform.MediaKindImage, nil
}
