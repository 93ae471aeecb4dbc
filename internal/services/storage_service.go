// internal/services/storage_service.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/javajoker/imi-licensing/internal/apperrors"
	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/events"
	"github.com/javajoker/imi-licensing/internal/repository"
)

// StorageService keeps archived execution proofs in S3, or in memory when no
// AWS credentials are configured.
type StorageService struct {
	s3Client *s3.S3
	bucket   string
	region   string

	mu    sync.RWMutex
	local map[string][]byte
}

type StoredObject struct {
	Key  string `json:"key"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

func NewStorageService(cfg config.AWSConfig) (*StorageService, error) {
	svc := &StorageService{
		bucket: cfg.ProofBucket,
		region: cfg.Region,
		local:  make(map[string][]byte),
	}
	if cfg.AccessKeyID == "" {
		// Local development keeps objects in memory
		return svc, nil
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	svc.s3Client = s3.New(sess)
	return svc, nil
}

// Put stores body under key.
func (s *StorageService) Put(ctx context.Context, key string, body []byte, contentType string) (*StoredObject, error) {
	if s.s3Client == nil {
		s.mu.Lock()
		s.local[key] = append([]byte(nil), body...)
		s.mu.Unlock()
		return &StoredObject{Key: key, URL: "memory://" + key, Size: int64(len(body))}, nil
	}

	_, err := s.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s to S3: %w", key, err)
	}
	return &StoredObject{Key: key, URL: s.getS3URL(key), Size: int64(len(body))}, nil
}

// Get reads the object stored under key.
func (s *StorageService) Get(ctx context.Context, key string) ([]byte, error) {
	if s.s3Client == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		body, ok := s.local[key]
		if !ok {
			return nil, fmt.Errorf("object %s not found", key)
		}
		return append([]byte(nil), body...), nil
	}

	out, err := s.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from S3: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *StorageService) GeneratePresignedURL(key string, expiration time.Duration) (string, error) {
	if s.s3Client == nil {
		return "", fmt.Errorf("S3 client not configured")
	}

	req, _ := s.s3Client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})

	url, err := req.Presign(expiration)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return url, nil
}

func (s *StorageService) getS3URL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

// ProofArchive copies issued execution proofs to object storage and records
// the archive key on the license.
type ProofArchive struct {
	storage *StorageService
	store   repository.Store
}

func NewProofArchive(storage *StorageService, store repository.Store) *ProofArchive {
	return &ProofArchive{storage: storage, store: store}
}

// Register subscribes the archive to proof events.
func (a *ProofArchive) Register(sub events.Subscriber) {
	sub.Subscribe(events.TypeProofIssued, a.HandleProofIssued)
}

type archivedProof struct {
	Proof   json.RawMessage `json:"proof"`
	Payload json.RawMessage `json:"payload"`
}

// ArchiveKey is where the proof of a license with the given hash is stored.
func ArchiveKey(licenseID fmt.Stringer, payloadHash string) string {
	return fmt.Sprintf("proofs/%s/%s.json", licenseID, payloadHash)
}

func (a *ProofArchive) HandleProofIssued(ctx context.Context, event events.Event) error {
	var issued events.ProofIssued
	if err := event.Decode(&issued); err != nil {
		return err
	}

	proofJSON, err := json.Marshal(issued.Proof)
	if err != nil {
		return fmt.Errorf("failed to marshal proof: %w", err)
	}
	body, err := json.Marshal(archivedProof{Proof: proofJSON, Payload: issued.Payload})
	if err != nil {
		return fmt.Errorf("failed to marshal archived proof: %w", err)
	}

	key := ArchiveKey(issued.LicenseID, issued.Proof.PayloadHash)
	if _, err := a.storage.Put(ctx, key, body, "application/json"); err != nil {
		return err
	}

	err = a.store.Transaction(ctx, func(tx repository.Store) error {
		license, err := tx.GetLicenseForUpdate(ctx, issued.LicenseID)
		if err != nil {
			return loadError(err, "license", issued.LicenseID)
		}
		proof := license.ExecutionProof.Data()
		if proof.PayloadHash != issued.Proof.PayloadHash || proof.ArchiveKey == key {
			return nil
		}
		proof.ArchiveKey = key
		license.ExecutionProof = datatypes.NewJSONType(proof)
		return tx.UpdateLicense(ctx, license)
	})
	if err != nil {
		return apperrors.Wrap(err, "failed to record archive key for license %s", issued.LicenseID)
	}

	logrus.WithFields(logrus.Fields{
		"license_id": issued.LicenseID,
		"key":        key,
	}).Info("Execution proof archived")
	return nil
}
