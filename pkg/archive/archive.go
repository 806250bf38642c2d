// Package archive ships a cache entry to and from a configured cloud
// bucket for operator-driven backup/restore, per SPEC_FULL.md §10.1.
// It is never called by the pull path.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"google.golang.org/api/option"

	"vmpuller/pkg/models"
	"vmpuller/pkg/utils"
)

const indexObjectKey = "index.json"

// Provider names one of the three supported cloud backends.
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderGCP   Provider = "gcp"
	ProviderAzure Provider = "azure"
)

// Config selects and parameterizes one backend.
type Config struct {
	Provider Provider

	AWS struct {
		Bucket string
		Region string
	}
	GCP struct {
		Bucket          string
		ProjectID       string
		CredentialsFile string
	}
	Azure struct {
		StorageAccount string
		Container      string
	}
}

// Secrets carries credential material kept out of the YAML config.
type Secrets struct {
	AWSAccessKeyID         string
	AWSSecretAccessKey     string
	AzureStorageAccountKey string
}

// Archiver backs up and restores cache entries against one configured
// provider.
type Archiver struct {
	cfg Config
	log *utils.Logger

	organization string
	cacheRoot    string

	s3Client          *s3.S3
	awsSession        *session.Session
	gcsClient         *gcs.Client
	azureContainerURL azblob.ContainerURL
}

// New validates cfg and connects to the selected provider.
func New(cfg Config, secrets Secrets, cacheRoot, organization string, log *utils.Logger) (*Archiver, error) {
	a := &Archiver{cfg: cfg, log: log, cacheRoot: cacheRoot, organization: organization}

	switch cfg.Provider {
	case ProviderAWS:
		if err := a.initAWS(secrets); err != nil {
			return nil, fmt.Errorf("initialize aws archive provider: %w", err)
		}
	case ProviderGCP:
		if err := a.initGCP(secrets); err != nil {
			return nil, fmt.Errorf("initialize gcp archive provider: %w", err)
		}
	case ProviderAzure:
		if err := a.initAzure(secrets); err != nil {
			return nil, fmt.Errorf("initialize azure archive provider: %w", err)
		}
	default:
		return nil, fmt.Errorf("unrecognized archive provider %q", cfg.Provider)
	}

	return a, nil
}

func (a *Archiver) initAWS(secrets Secrets) error {
	if secrets.AWSAccessKeyID == "" || secrets.AWSSecretAccessKey == "" {
		return fmt.Errorf("AWS credentials not provided")
	}
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(a.cfg.AWS.Region),
		Credentials: credentials.NewStaticCredentials(secrets.AWSAccessKeyID, secrets.AWSSecretAccessKey, ""),
	})
	if err != nil {
		return fmt.Errorf("create AWS session: %w", err)
	}
	a.awsSession = sess
	a.s3Client = s3.New(sess)
	return nil
}

func (a *Archiver) initGCP(secrets Secrets) error {
	if a.cfg.GCP.Bucket == "" {
		return fmt.Errorf("GCP bucket name is not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := gcs.NewClient(ctx, option.WithCredentialsFile(a.cfg.GCP.CredentialsFile))
	if err != nil {
		return fmt.Errorf("create GCP client: %w", err)
	}
	a.gcsClient = client
	return nil
}

func (a *Archiver) initAzure(secrets Secrets) error {
	if a.cfg.Azure.StorageAccount == "" || a.cfg.Azure.Container == "" {
		return fmt.Errorf("Azure storage account or container is not configured")
	}
	if secrets.AzureStorageAccountKey == "" {
		return fmt.Errorf("Azure storage account key not provided")
	}

	credential, err := azblob.NewSharedKeyCredential(a.cfg.Azure.StorageAccount, secrets.AzureStorageAccountKey)
	if err != nil {
		return fmt.Errorf("create Azure credentials: %w", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})
	containerURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net/%s", a.cfg.Azure.StorageAccount, a.cfg.Azure.Container))
	if err != nil {
		return fmt.Errorf("parse container URL: %w", err)
	}

	a.azureContainerURL = azblob.NewContainerURL(*containerURL, pipeline)
	return nil
}

func (a *Archiver) bucketKey(manifestID string) string {
	return fmt.Sprintf("%s/%s.tar", a.organization, manifestID)
}

// BackupCacheEntry tars up <cacheRoot>/ghcr/<org>/<manifestId> and
// uploads it to the configured provider, then updates the bucket's
// index object with a new ArchiveManifestRef.
func (a *Archiver) BackupCacheEntry(ctx context.Context, manifestID, repository string) error {
	sourceDir := filepath.Join(a.cacheRoot, "ghcr", a.organization, manifestID)
	if _, err := os.Stat(sourceDir); err != nil {
		return fmt.Errorf("cache entry %s not accessible: %w", manifestID, err)
	}

	tarPath := filepath.Join(os.TempDir(), manifestID+".tar")
	defer os.Remove(tarPath)

	tarFile, err := os.OpenFile(tarPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create staging tar %s: %w", tarPath, err)
	}
	if err := tarDirectory(sourceDir, tarFile); err != nil {
		tarFile.Close()
		return fmt.Errorf("tar cache entry %s: %w", manifestID, err)
	}
	if err := tarFile.Close(); err != nil {
		return fmt.Errorf("close staging tar %s: %w", tarPath, err)
	}

	tarFile, err = os.Open(tarPath)
	if err != nil {
		return fmt.Errorf("reopen staging tar %s: %w", tarPath, err)
	}
	defer tarFile.Close()

	key := a.bucketKey(manifestID)
	if err := a.putObject(ctx, key, tarFile); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	ref := models.ArchiveManifestRef{
		ManifestID: manifestID,
		Repository: repository,
		BucketKey:  key,
	}
	return a.appendIndex(ctx, ref)
}

// RestoreCacheEntry finds the newest archived manifest for repository,
// downloads it, and untars it into the cache store, returning its
// manifest ID. Like cache.Prepare, it removes any existing directory for
// that manifest ID and recreates it empty before extracting; the files
// are then written directly into that directory.
func (a *Archiver) RestoreCacheEntry(ctx context.Context, repository string) (string, error) {
	refs, err := a.readIndex(ctx)
	if err != nil {
		return "", fmt.Errorf("read archive index: %w", err)
	}

	var newest *models.ArchiveManifestRef
	for i := range refs {
		if refs[i].Repository != repository {
			continue
		}
		if newest == nil || refs[i].ArchivedAt.After(newest.ArchivedAt) {
			newest = &refs[i]
		}
	}
	if newest == nil {
		return "", fmt.Errorf("no archived entry for repository %s", repository)
	}

	data, err := a.getObject(ctx, newest.BucketKey)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", newest.BucketKey, err)
	}

	destDir := filepath.Join(a.cacheRoot, "ghcr", a.organization, newest.ManifestID)
	if err := untarDirectory(bytes.NewReader(data), destDir); err != nil {
		return "", fmt.Errorf("untar %s: %w", newest.BucketKey, err)
	}

	return newest.ManifestID, nil
}

func (a *Archiver) readIndex(ctx context.Context) ([]models.ArchiveManifestRef, error) {
	data, err := a.getObject(ctx, indexObjectKey)
	if err != nil {
		// A missing index means nothing has been archived yet.
		return nil, nil
	}
	var refs []models.ArchiveManifestRef
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

func (a *Archiver) appendIndex(ctx context.Context, ref models.ArchiveManifestRef) error {
	refs, err := a.readIndex(ctx)
	if err != nil {
		return err
	}

	ref.ArchivedAt = time.Now()
	refs = append(refs, ref)

	data, err := json.Marshal(refs)
	if err != nil {
		return err
	}

	indexPath := filepath.Join(os.TempDir(), "archive-index.json")
	defer os.Remove(indexPath)
	if err := os.WriteFile(indexPath, data, 0o644); err != nil {
		return err
	}
	indexFile, err := os.Open(indexPath)
	if err != nil {
		return err
	}
	defer indexFile.Close()

	return a.putObject(ctx, indexObjectKey, indexFile)
}

// putObject uploads body (positioned at offset 0) to key, mirroring the
// teacher's three-provider backup switch.
func (a *Archiver) putObject(ctx context.Context, key string, body *os.File) error {
	switch a.cfg.Provider {
	case ProviderAWS:
		uploader := s3manager.NewUploader(a.awsSession)
		_, err := uploader.Upload(&s3manager.UploadInput{
			Bucket: aws.String(a.cfg.AWS.Bucket),
			Key:    aws.String(key),
			Body:   body,
		})
		return err
	case ProviderGCP:
		writer := a.gcsClient.Bucket(a.cfg.GCP.Bucket).Object(key).NewWriter(ctx)
		if _, err := io.Copy(writer, body); err != nil {
			writer.Close()
			return err
		}
		return writer.Close()
	case ProviderAzure:
		blobURL := a.azureContainerURL.NewBlockBlobURL(key)
		_, err := azblob.UploadFileToBlockBlob(ctx, body, blobURL, azblob.UploadToBlockBlobOptions{
			BlockSize:   4 * 1024 * 1024,
			Parallelism: 16,
		})
		return err
	default:
		return fmt.Errorf("unrecognized archive provider %q", a.cfg.Provider)
	}
}

func (a *Archiver) getObject(ctx context.Context, key string) ([]byte, error) {
	switch a.cfg.Provider {
	case ProviderAWS:
		out, err := a.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(a.cfg.AWS.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, err
		}
		defer out.Body.Close()
		return io.ReadAll(out.Body)
	case ProviderGCP:
		reader, err := a.gcsClient.Bucket(a.cfg.GCP.Bucket).Object(key).NewReader(ctx)
		if err != nil {
			return nil, err
		}
		defer reader.Close()
		return io.ReadAll(reader)
	case ProviderAzure:
		blobURL := a.azureContainerURL.NewBlockBlobURL(key)
		resp, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
		if err != nil {
			return nil, err
		}
		body := resp.Body(azblob.RetryReaderOptions{})
		defer body.Close()
		return io.ReadAll(body)
	default:
		return nil, fmt.Errorf("unrecognized archive provider %q", a.cfg.Provider)
	}
}

func tarDirectory(sourceDir string, w io.Writer) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	return filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = rel

		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
}

func untarDirectory(r io.Reader, destDir string) error {
	if err := os.RemoveAll(destDir); err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destDir, header.Name)
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
}
