// Package azureblob is a BlobStore on Azure Blob Storage, shared by the
// ingestion CLI, the API and remote workers.
package azureblob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

type Config struct {
	// ConnectionString wins over Account and Key when set.
	ConnectionString string
	Account          string
	Key              string
	// Endpoint defaults to https://{Account}.blob.core.windows.net/.
	Endpoint string
}

// client is the subset of *azblob.Client the store needs.
type client interface {
	NewListBlobsFlatPager(containerName string, o *azblob.ListBlobsFlatOptions) *runtime.Pager[azblob.ListBlobsFlatResponse]
	DownloadStream(ctx context.Context, containerName, blobName string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error)
	UploadStream(ctx context.Context, containerName, blobName string, body io.Reader, o *azblob.UploadStreamOptions) (azblob.UploadStreamResponse, error)
	DeleteBlob(ctx context.Context, containerName, blobName string, o *azblob.DeleteBlobOptions) (azblob.DeleteBlobResponse, error)
	CreateContainer(ctx context.Context, containerName string, o *azblob.CreateContainerOptions) (azblob.CreateContainerResponse, error)
}

type Store struct {
	client client
}

func New(cfg Config) (*Store, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, domain.WrapError(domain.ErrSetup, "init blob client", err)
	}
	return &Store{client: c}, nil
}

func newClient(cfg Config) (*azblob.Client, error) {
	if cfg.ConnectionString != "" {
		return azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	}
	if cfg.Account == "" || cfg.Key == "" {
		return nil, errors.New("a connection string or a storage account and key are required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.Account)
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.Key)
	if err != nil {
		return nil, err
	}
	return azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
}

func (s *Store) Exists(ctx context.Context, container string) (bool, error) {
	pager := s.client.NewListBlobsFlatPager(container, &azblob.ListBlobsFlatOptions{MaxResults: to.Ptr(int32(1))})
	_, err := pager.NextPage(ctx)
	if bloberror.HasCode(err, bloberror.ContainerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check container %s: %w", container, err)
	}
	return true, nil
}

func (s *Store) EnsureContainer(ctx context.Context, container string) error {
	_, err := s.client.CreateContainer(ctx, container, nil)
	if err == nil || bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil
	}
	return domain.WrapError(domain.ErrUpload, "create container", err)
}

// Enumerate yields blobs page by page in the service's lexical order. A
// missing container yields nothing.
func (s *Store) Enumerate(ctx context.Context, container, prefix string) iter.Seq2[domain.BlobRef, error] {
	return func(yield func(domain.BlobRef, error) bool) {
		opts := &azblob.ListBlobsFlatOptions{}
		if prefix != "" {
			opts.Prefix = to.Ptr(prefix)
		}
		pager := s.client.NewListBlobsFlatPager(container, opts)
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if bloberror.HasCode(err, bloberror.ContainerNotFound) {
				return
			}
			if err != nil {
				yield(domain.BlobRef{}, fmt.Errorf("enumerate container %s: %w", container, err))
				return
			}
			if page.Segment == nil {
				continue
			}
			for _, item := range page.Segment.BlobItems {
				if item == nil || item.Name == nil {
					continue
				}
				ref := domain.BlobRef{Container: container, Name: *item.Name}
				if props := item.Properties; props != nil {
					if props.ContentLength != nil {
						ref.Size = *props.ContentLength
					}
					if props.LastModified != nil {
						ref.ModTime = *props.LastModified
					}
				}
				if !yield(ref, nil) {
					return
				}
			}
		}
	}
}

func (s *Store) Download(ctx context.Context, ref domain.BlobRef) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, ref.Container, ref.Name, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return nil, domain.WrapError(domain.ErrNotFound, "download blob", fmt.Errorf("%s/%s", ref.Container, ref.Name))
	}
	if err != nil {
		return nil, fmt.Errorf("download blob %s/%s: %w", ref.Container, ref.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read blob %s/%s: %w", ref.Container, ref.Name, err)
	}
	return raw, nil
}

// Upload without overwrite is conditional on the blob not existing yet, so
// concurrent writers cannot both win.
func (s *Store) Upload(ctx context.Context, container, name string, body io.Reader, overwrite bool) error {
	opts := &azblob.UploadStreamOptions{}
	if !overwrite {
		opts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		}
	}
	_, err := s.client.UploadStream(ctx, container, name, body, opts)
	if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
		return domain.WrapError(domain.ErrConflict, "upload blob", fmt.Errorf("%s/%s already exists", container, name))
	}
	if err != nil {
		return domain.WrapError(domain.ErrUpload, "upload blob", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, container, name string) error {
	_, err := s.client.DeleteBlob(ctx, container, name, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return domain.WrapError(domain.ErrNotFound, "delete blob", fmt.Errorf("%s/%s", container, name))
	}
	if err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
