//go:build integration

package s3_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/forgevault/forgevault/pkg/objstore"
	s3store "github.com/forgevault/forgevault/pkg/objstore/s3"
)

// localstackHelper manages the Localstack container for S3 integration
// tests.
type localstackHelper struct {
	container testcontainers.Container
	endpoint  string
	client    *awss3.Client
}

// newLocalstackHelper starts a Localstack container or connects to an
// existing one via LOCALSTACK_ENDPOINT.
func newLocalstackHelper(t *testing.T) *localstackHelper {
	t.Helper()
	ctx := context.Background()

	if endpoint := os.Getenv("LOCALSTACK_ENDPOINT"); endpoint != "" {
		helper := &localstackHelper{endpoint: endpoint}
		helper.createClient(t)
		return helper
	}

	req := testcontainers.ContainerRequest{
		Image:        "localstack/localstack:3.0",
		ExposedPorts: []string{"4566/tcp"},
		Env: map[string]string{
			"SERVICES":              "s3",
			"DEFAULT_REGION":        "us-east-1",
			"EAGER_SERVICE_LOADING": "1",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4566/tcp"),
			wait.ForHTTP("/_localstack/health").
				WithPort("4566/tcp").
				WithStartupTimeout(60*time.Second),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("docker not available, skipping s3 test: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4566")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get container port: %v", err)
	}

	helper := &localstackHelper{
		container: container,
		endpoint:  fmt.Sprintf("http://%s:%s", host, port.Port()),
	}
	helper.createClient(t)
	return helper
}

func (lh *localstackHelper) createClient(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			"test", "test", "",
		)),
	)
	if err != nil {
		t.Fatalf("failed to load AWS config: %v", err)
	}

	lh.client = awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		o.BaseEndpoint = &lh.endpoint
		o.UsePathStyle = true
	})
}

func (lh *localstackHelper) cleanup() {
	if lh.container != nil {
		_ = lh.container.Terminate(context.Background())
	}
}

// newTierStore creates a Store against the helper's Localstack with a
// test-unique bucket prefix and ensures the tier buckets exist.
func newTierStore(t *testing.T, lh *localstackHelper, prefix string, mutate func(*s3store.Config)) *s3store.Store {
	t.Helper()
	ctx := context.Background()

	cfg := s3store.Config{
		Client:       lh.client,
		BucketPrefix: prefix,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := s3store.New(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to create s3 store: %v", err)
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		t.Fatalf("EnsureBuckets failed: %v", err)
	}
	// Second run must be a no-op, not an error.
	if err := store.EnsureBuckets(ctx); err != nil {
		t.Fatalf("repeated EnsureBuckets failed: %v", err)
	}
	return store
}

func TestS3Store_Integration(t *testing.T) {
	helper := newLocalstackHelper(t)
	defer helper.cleanup()

	ctx := context.Background()
	store := newTierStore(t, helper, "fv-test", nil)

	t.Run("put and get round trip", func(t *testing.T) {
		payload := []byte("snapshot payload")
		result, err := store.Put(ctx, "snapshots/doc-1/backup_doc-1_aa", payload, objstore.PutOptions{})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if result.Tier != objstore.TierHot {
			t.Errorf("default tier = %q, want hot", result.Tier)
		}
		if result.VersionID == "" {
			t.Error("versioned bucket should return a version ID")
		}

		data, tier, err := store.Get(ctx, "snapshots/doc-1/backup_doc-1_aa")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if tier != objstore.TierHot {
			t.Errorf("found in %q, want hot", tier)
		}
		if !bytes.Equal(data, payload) {
			t.Error("payload mismatch after round trip")
		}

		info, err := store.Head(ctx, "snapshots/doc-1/backup_doc-1_aa")
		if err != nil {
			t.Fatalf("Head failed: %v", err)
		}
		if info.Metadata["sha256"] != result.SHA256 {
			t.Errorf("sha256 metadata = %q, want %q", info.Metadata["sha256"], result.SHA256)
		}
	})

	t.Run("content type applied from key", func(t *testing.T) {
		_, err := store.Put(ctx, "reports/2026-01-01/r.pdf", []byte("%PDF-"), objstore.PutOptions{})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		info, err := store.Head(ctx, "reports/2026-01-01/r.pdf")
		if err != nil {
			t.Fatalf("Head failed: %v", err)
		}
		if info.ContentType != "application/pdf" {
			t.Errorf("content type = %q, want application/pdf", info.ContentType)
		}
	})

	t.Run("get scans tiers", func(t *testing.T) {
		_, err := store.Put(ctx, "tiered-key", []byte("cold data"), objstore.PutOptions{Tier: objstore.TierCold})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		data, tier, err := store.Get(ctx, "tiered-key")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if tier != objstore.TierCold {
			t.Errorf("found in %q, want cold", tier)
		}
		if string(data) != "cold data" {
			t.Errorf("got %q", data)
		}
	})

	t.Run("missing key classifies as not found", func(t *testing.T) {
		_, _, err := store.Get(ctx, "no/such/key")
		if !errors.Is(err, objstore.ErrNotFound) {
			t.Errorf("Get(missing) = %v, want ErrNotFound", err)
		}
		_, err = store.Head(ctx, "no/such/key")
		if !errors.Is(err, objstore.ErrNotFound) {
			t.Errorf("Head(missing) = %v, want ErrNotFound", err)
		}
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		_, err := store.Put(ctx, "doomed", []byte("x"), objstore.PutOptions{})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := store.Delete(ctx, "doomed"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := store.Delete(ctx, "doomed"); err != nil {
			t.Fatalf("repeat Delete failed: %v", err)
		}
	})

	t.Run("move tier relocates object", func(t *testing.T) {
		_, err := store.Put(ctx, "mover", []byte("aging snapshot"), objstore.PutOptions{})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := store.MoveTier(ctx, "mover", objstore.TierHot, objstore.TierWarm); err != nil {
			t.Fatalf("MoveTier failed: %v", err)
		}

		if _, err := store.GetFromTier(ctx, "mover", objstore.TierHot); !errors.Is(err, objstore.ErrNotFound) {
			t.Error("object should be gone from hot after move")
		}
		data, err := store.GetFromTier(ctx, "mover", objstore.TierWarm)
		if err != nil {
			t.Fatalf("GetFromTier(warm) failed: %v", err)
		}
		if string(data) != "aging snapshot" {
			t.Errorf("got %q after move", data)
		}
	})

	t.Run("list honors prefix and max", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			key := fmt.Sprintf("listing/item-%d", i)
			if _, err := store.Put(ctx, key, []byte("x"), objstore.PutOptions{}); err != nil {
				t.Fatalf("Put(%s) failed: %v", key, err)
			}
		}

		infos, err := store.List(ctx, objstore.TierHot, "listing/", 0)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(infos) != 5 {
			t.Errorf("List returned %d objects, want 5", len(infos))
		}

		limited, err := store.List(ctx, objstore.TierHot, "listing/", 2)
		if err != nil {
			t.Fatalf("List with max failed: %v", err)
		}
		if len(limited) != 2 {
			t.Errorf("List with max=2 returned %d objects", len(limited))
		}
	})

	t.Run("set tags", func(t *testing.T) {
		_, err := store.Put(ctx, "tagged", []byte("x"), objstore.PutOptions{})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		err = store.SetTags(ctx, "tagged", objstore.TierHot, map[string]string{"integrity": "corrupt"})
		if err != nil {
			t.Fatalf("SetTags failed: %v", err)
		}
	})

	t.Run("presigned get is fetchable", func(t *testing.T) {
		payload := []byte("presigned payload")
		_, err := store.Put(ctx, "presigned", payload, objstore.PutOptions{})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		url, err := store.Presign(ctx, objstore.PresignGet, "presigned", objstore.TierHot, 5*time.Minute)
		if err != nil {
			t.Fatalf("Presign failed: %v", err)
		}

		resp, err := http.Get(url)
		if err != nil {
			t.Fatalf("GET on presigned url failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("presigned GET status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("failed to read presigned body: %v", err)
		}
		if !bytes.Equal(body, payload) {
			t.Error("presigned download mismatch")
		}
	})

	t.Run("stats aggregates tier contents", func(t *testing.T) {
		stats, err := store.Stats(ctx, objstore.TierGlacier)
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats.ObjectCount != 0 {
			t.Errorf("glacier should be empty, got %d objects", stats.ObjectCount)
		}
	})

	t.Run("healthcheck", func(t *testing.T) {
		if err := store.Healthcheck(ctx); err != nil {
			t.Fatalf("Healthcheck failed: %v", err)
		}
	})
}

func TestS3Store_Multipart(t *testing.T) {
	helper := newLocalstackHelper(t)
	defer helper.cleanup()

	ctx := context.Background()
	// Lowest legal part size so the test does not push hundreds of MiB
	// through Localstack.
	store := newTierStore(t, helper, "fv-mp", func(cfg *s3store.Config) {
		cfg.MultipartThreshold = 5 * 1024 * 1024
		cfg.MultipartPartSize = 5 * 1024 * 1024
		cfg.MultipartConcurrency = 4
	})

	payload := make([]byte, 12*1024*1024)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("failed to generate payload: %v", err)
	}

	result, err := store.Put(ctx, "snapshots/big/backup_big_01", payload, objstore.PutOptions{})
	if err != nil {
		t.Fatalf("multipart Put failed: %v", err)
	}
	if result.Size != int64(len(payload)) {
		t.Errorf("result size = %d, want %d", result.Size, len(payload))
	}

	data, _, err := store.Get(ctx, "snapshots/big/backup_big_01")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("multipart payload mismatch after round trip")
	}
}
