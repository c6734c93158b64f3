package ca

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/verdant-tech/iothub/core/logger"
)

// S3Configuration holds the S3 configuration parameters for the CA store
type S3Configuration struct {
	AccessID      string `env:"CA_S3_ACCESS_ID,optional" description:"The access ID for the S3 bucket"`
	AccessKey     string `env:"CA_S3_ACCESS_KEY,optional" description:"The access key for the S3 bucket"`
	AWSBucketName string `env:"CA_S3_BUCKET,optional" description:"The name of the S3 bucket holding the CA material"`
	AWSRegion     string `env:"CA_S3_REGION,default=eu-central-1" description:"The AWS region of the S3 bucket"`
	KeyPrefix     string `env:"CA_S3_KEY_PREFIX,optional" description:"Prefix for the object keys"`
}

// S3Store persists the CA record in an S3 bucket as two objects.
type S3Store struct {
	config      aws.Config
	bucket      string
	baseKeyName string
}

// NewS3Store returns a new S3Store
func NewS3Store(caConfig S3Configuration) (*S3Store, error) {
	if caConfig.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	cfg, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion(caConfig.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(caConfig.AccessID, caConfig.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("CA S3 store enabled")
	return &S3Store{cfg, caConfig.AWSBucketName, caConfig.KeyPrefix}, nil
}

// Load implements Persistence
func (s *S3Store) Load() (Record, bool, error) {
	certPEM, ok, err := s.getObject("ca-cert.pem")
	if err != nil || !ok {
		return Record{}, false, err
	}
	keyPEM, ok, err := s.getObject("ca-key.pem")
	if err != nil || !ok {
		return Record{}, false, err
	}
	return Record{CertificatePEM: certPEM, KeyPEM: keyPEM}, true, nil
}

// Save implements Persistence
func (s *S3Store) Save(record Record) error {
	if err := s.putObject("ca-cert.pem", record.CertificatePEM); err != nil {
		return err
	}
	return s.putObject("ca-key.pem", record.KeyPEM)
}

func (s *S3Store) getObject(key string) (string, bool, error) {
	client := s3.NewFromConfig(s.config)
	out, err := client.GetObject(context.TODO(), &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return "", false, nil
		}
		return "", false, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

func (s *S3Store) putObject(key, body string) error {
	client := s3.NewFromConfig(s.config)
	_, err := client.PutObject(context.TODO(), &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
		Body:   bytes.NewReader([]byte(body)),
	})
	if err != nil {
		logger.Default().Error("could not store ", s.baseKeyName+key)
		return err
	}
	return nil
}
