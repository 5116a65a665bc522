package dedup

import (
	"context"
	"os"
	"testing"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"
)

func TestRedisStoreContract(t *testing.T) {
	addr := os.Getenv("BUDGETGUARD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BUDGETGUARD_TEST_REDIS_ADDR not set, skipping redis integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 1})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})

	runStoreContract(t, func(t *testing.T, opts Options) Store {
		return NewRedisStore(client, "budgetguard-test:"+t.Name()+":", opts)
	})
}

func TestFirestoreStoreContract(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set, skipping firestore integration test")
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, "budgetguard-test")
	if err != nil {
		t.Fatalf("firestore client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	runStoreContract(t, func(t *testing.T, opts Options) Store {
		return NewFirestoreStore(client, "disable_records_test", opts)
	})
}
