package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
)

// ExportService ships analytics snapshots to S3-compatible object storage so
// long-horizon trends survive the 7-day row retention.
type ExportService struct {
	appContext.DefaultService

	client       *minio.Client
	analyticsSvc *AnalyticsService

	bucketName string
	endpoint   string
	accessKey  string
	secretKey  string
	useSSL     bool
	enabled    bool
}

const EXPORT_SVC = "export_svc"

func (svc ExportService) Id() string {
	return EXPORT_SVC
}

func (svc *ExportService) Configure(ctx *appContext.Context) error {
	svc.enabled = os.Getenv("EXPORT_ENABLED") == "true"

	svc.endpoint = os.Getenv("MINIO_ENDPOINT")
	if svc.endpoint == "" {
		svc.endpoint = "localhost:9000"
	}

	svc.accessKey = os.Getenv("MINIO_ACCESS_KEY")
	svc.secretKey = os.Getenv("MINIO_SECRET_KEY")
	svc.useSSL = os.Getenv("MINIO_USE_SSL") == "true"

	svc.bucketName = os.Getenv("MINIO_BUCKET_NAME")
	if svc.bucketName == "" {
		svc.bucketName = "guard-analytics"
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *ExportService) Start() error {
	svc.analyticsSvc = svc.Service(ANALYTICS_SVC).(*AnalyticsService)

	if !svc.enabled {
		log.Println("Analytics export disabled")
		return nil
	}

	client, err := minio.New(svc.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(svc.accessKey, svc.secretKey, ""),
		Secure: svc.useSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create MinIO client: %v", err)
	}

	svc.client = client

	if err := svc.ensureBucket(); err != nil {
		return fmt.Errorf("failed to ensure bucket exists: %v", err)
	}

	// Daily snapshot covering the previous 24 hours.
	ticker := time.NewTicker(24 * time.Hour)
	go func() {
		for range ticker.C {
			if _, err := svc.ExportSummary(24); err != nil {
				log.Printf("Analytics export error: %v", err)
			}
		}
	}()

	log.Printf("Analytics export started with endpoint: %s", svc.endpoint)
	return nil
}

func (svc *ExportService) ensureBucket() error {
	ctx := context.Background()

	exists, err := svc.client.BucketExists(ctx, svc.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %v", err)
	}

	if !exists {
		err = svc.client.MakeBucket(ctx, svc.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %v", err)
		}
		log.Printf("Created MinIO bucket: %s", svc.bucketName)
	}

	return nil
}

// ExportSummary uploads a JSON snapshot of the trailing horizon and returns
// the object name.
func (svc *ExportService) ExportSummary(hours int) (string, error) {
	if svc.client == nil {
		return "", fmt.Errorf("analytics export is not enabled")
	}

	summary, err := svc.analyticsSvc.GetSummary(hours)
	if err != nil {
		return "", err
	}

	endpoints, err := svc.analyticsSvc.GetRateLimitAnalytics(hours)
	if err != nil {
		return "", err
	}

	snapshot := map[string]interface{}{
		"generated_at": time.Now().UTC(),
		"hours":        hours,
		"summary":      summary,
		"endpoints":    endpoints,
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %v", err)
	}

	objectName := fmt.Sprintf("ratelimit/summary-%s.json", time.Now().UTC().Format("2006-01-02T15"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = svc.client.PutObject(ctx, svc.bucketName, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload snapshot: %v", err)
	}

	log.WithFields(log.Fields{
		"object": objectName,
		"bytes":  len(data),
	}).Info("Analytics snapshot exported")

	return objectName, nil
}
