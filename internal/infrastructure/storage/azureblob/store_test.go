package azureblob

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	blobcontainer "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

const pageSize = 2

// serviceFake keeps containers in memory and answers like the blob service,
// listing pageSize blobs per page.
type serviceFake struct {
	mu         sync.Mutex
	containers map[string]map[string][]byte
}

func newServiceFake(containers ...string) *serviceFake {
	f := &serviceFake{containers: make(map[string]map[string][]byte)}
	for _, c := range containers {
		f.containers[c] = make(map[string][]byte)
	}
	return f
}

func serviceError(code bloberror.Code, status int) error {
	return &azcore.ResponseError{
		ErrorCode:  string(code),
		StatusCode: status,
		RawResponse: &http.Response{
			StatusCode: status,
			Status:     http.StatusText(status),
			Header:     http.Header{},
			Body:       http.NoBody,
			Request:    &http.Request{Method: http.MethodGet, URL: &url.URL{Scheme: "https", Host: "acct.blob.core.windows.net"}},
		},
	}
}

func (f *serviceFake) NewListBlobsFlatPager(name string, o *azblob.ListBlobsFlatOptions) *runtime.Pager[azblob.ListBlobsFlatResponse] {
	prefix := ""
	if o != nil && o.Prefix != nil {
		prefix = *o.Prefix
	}
	return runtime.NewPager(runtime.PagingHandler[azblob.ListBlobsFlatResponse]{
		More: func(page azblob.ListBlobsFlatResponse) bool {
			return page.NextMarker != nil && *page.NextMarker != ""
		},
		Fetcher: func(_ context.Context, cur *azblob.ListBlobsFlatResponse) (azblob.ListBlobsFlatResponse, error) {
			var resp azblob.ListBlobsFlatResponse
			f.mu.Lock()
			defer f.mu.Unlock()
			blobs, ok := f.containers[name]
			if !ok {
				return resp, serviceError(bloberror.ContainerNotFound, http.StatusNotFound)
			}
			var names []string
			for n := range blobs {
				if strings.HasPrefix(n, prefix) {
					names = append(names, n)
				}
			}
			sort.Strings(names)

			start := 0
			if cur != nil && cur.NextMarker != nil {
				start, _ = strconv.Atoi(*cur.NextMarker)
			}
			end := min(start+pageSize, len(names))
			items := make([]*blobcontainer.BlobItem, 0, end-start)
			for _, n := range names[start:end] {
				items = append(items, &blobcontainer.BlobItem{
					Name:       to.Ptr(n),
					Properties: &blobcontainer.BlobProperties{ContentLength: to.Ptr(int64(len(blobs[n])))},
				})
			}
			resp.Segment = &blobcontainer.BlobFlatListSegment{BlobItems: items}
			if end < len(names) {
				resp.NextMarker = to.Ptr(strconv.Itoa(end))
			}
			return resp, nil
		},
	})
}

func (f *serviceFake) DownloadStream(_ context.Context, containerName, blobName string, _ *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error) {
	var resp azblob.DownloadStreamResponse
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.containers[containerName][blobName]
	if !ok {
		return resp, serviceError(bloberror.BlobNotFound, http.StatusNotFound)
	}
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	return resp, nil
}

func (f *serviceFake) UploadStream(_ context.Context, containerName, blobName string, body io.Reader, o *azblob.UploadStreamOptions) (azblob.UploadStreamResponse, error) {
	var resp azblob.UploadStreamResponse
	raw, err := io.ReadAll(body)
	if err != nil {
		return resp, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	blobs, ok := f.containers[containerName]
	if !ok {
		return resp, serviceError(bloberror.ContainerNotFound, http.StatusNotFound)
	}
	ifNoneMatch := o != nil && o.AccessConditions != nil && o.AccessConditions.ModifiedAccessConditions != nil &&
		o.AccessConditions.ModifiedAccessConditions.IfNoneMatch != nil &&
		*o.AccessConditions.ModifiedAccessConditions.IfNoneMatch == azcore.ETagAny
	if _, exists := blobs[blobName]; exists && ifNoneMatch {
		return resp, serviceError(bloberror.BlobAlreadyExists, http.StatusConflict)
	}
	blobs[blobName] = raw
	return resp, nil
}

func (f *serviceFake) DeleteBlob(_ context.Context, containerName, blobName string, _ *azblob.DeleteBlobOptions) (azblob.DeleteBlobResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerName][blobName]; !ok {
		return azblob.DeleteBlobResponse{}, serviceError(bloberror.BlobNotFound, http.StatusNotFound)
	}
	delete(f.containers[containerName], blobName)
	return azblob.DeleteBlobResponse{}, nil
}

func (f *serviceFake) CreateContainer(_ context.Context, containerName string, _ *azblob.CreateContainerOptions) (azblob.CreateContainerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerName]; ok {
		return azblob.CreateContainerResponse{}, serviceError(bloberror.ContainerAlreadyExists, http.StatusConflict)
	}
	f.containers[containerName] = make(map[string][]byte)
	return azblob.CreateContainerResponse{}, nil
}

func TestUploadDownloadAndConflict(t *testing.T) {
	ctx := context.Background()
	s := &Store{client: newServiceFake("content")}

	if err := s.Upload(ctx, "content", "wells/well-1014.json", strings.NewReader(`{"id":"1014"}`), false); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	raw, err := s.Download(ctx, domain.BlobRef{Container: "content", Name: "wells/well-1014.json"})
	if err != nil || string(raw) != `{"id":"1014"}` {
		t.Fatalf("Download() = %s, %v", raw, err)
	}

	err = s.Upload(ctx, "content", "wells/well-1014.json", strings.NewReader("two"), false)
	if !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := s.Upload(ctx, "content", "wells/well-1014.json", strings.NewReader("two"), true); err != nil {
		t.Fatalf("overwrite Upload() error = %v", err)
	}
	raw, _ = s.Download(ctx, domain.BlobRef{Container: "content", Name: "wells/well-1014.json"})
	if string(raw) != "two" {
		t.Fatalf("expected overwritten content, got %s", raw)
	}

	if _, err := s.Download(ctx, domain.BlobRef{Container: "content", Name: "missing.json"}); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnumerateFollowsPagesAndPrefix(t *testing.T) {
	ctx := context.Background()
	s := &Store{client: newServiceFake("content")}
	for _, name := range []string{"report-1.pdf", "report-0.pdf", "other.json", "report-2.pdf", "report-10.pdf"} {
		if err := s.Upload(ctx, "content", name, strings.NewReader(name), true); err != nil {
			t.Fatal(err)
		}
	}

	var names []string
	for ref, err := range s.Enumerate(ctx, "content", "report-") {
		if err != nil {
			t.Fatalf("Enumerate() error = %v", err)
		}
		if ref.Container != "content" || ref.Size != int64(len(ref.Name)) {
			t.Fatalf("unexpected ref %+v", ref)
		}
		names = append(names, ref.Name)
	}
	if got := strings.Join(names, ","); got != "report-0.pdf,report-1.pdf,report-10.pdf,report-2.pdf" {
		t.Fatalf("enumerated %s", got)
	}

	count := 0
	for range s.Enumerate(ctx, "content", "") {
		count++
		break
	}
	if count != 1 {
		t.Fatalf("early stop must be honored, got %d", count)
	}
}

func TestMissingContainer(t *testing.T) {
	ctx := context.Background()
	s := &Store{client: newServiceFake()}

	exists, err := s.Exists(ctx, "content")
	if err != nil || exists {
		t.Fatalf("Exists() = %v, %v", exists, err)
	}
	for ref, err := range s.Enumerate(ctx, "content", "") {
		t.Fatalf("missing container must yield nothing, got %+v %v", ref, err)
	}

	if err := s.EnsureContainer(ctx, "content"); err != nil {
		t.Fatalf("EnsureContainer() error = %v", err)
	}
	if err := s.EnsureContainer(ctx, "content"); err != nil {
		t.Fatalf("repeated EnsureContainer() error = %v", err)
	}
	if exists, _ := s.Exists(ctx, "content"); !exists {
		t.Fatal("expected container to exist")
	}
}

func TestDeleteMissingBlobIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := &Store{client: newServiceFake("content")}
	_ = s.Upload(ctx, "content", "a.json", strings.NewReader("x"), true)

	if err := s.Delete(ctx, "content", "a.json"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "content", "a.json"); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{Account: "acct"}); !domain.IsKind(err, domain.ErrSetup) {
		t.Fatalf("expected ErrSetup, got %v", err)
	}
	if _, err := New(Config{Account: "acct", Key: "c2VjcmV0"}); err != nil {
		t.Fatalf("New() with shared key error = %v", err)
	}
}
