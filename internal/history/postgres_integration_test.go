//go:build integration

package history

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var testDSN string

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("chatline_test"),
		postgres.WithUsername("chatline"),
		postgres.WithPassword("chatline"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		log.Fatalf("history: failed to start postgres container: %v", err)
	}

	testDSN, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("history: failed to get connection string: %v", err)
	}

	code := m.Run()

	if err := testcontainers.TerminateContainer(container); err != nil {
		log.Printf("history: failed to terminate container: %v", err)
	}
	os.Exit(code)
}

func TestPostgres_Integration(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(ctx, DriverPostgres, testDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	u, err := repo.CreateUser(ctx, "alice")
	require.NoError(t, err)
	sess, err := repo.CreateSession(ctx, u.ID)
	require.NoError(t, err)

	_, err = repo.AppendPair(ctx, sess.ID, "Hello", "Hi there")
	require.NoError(t, err)
	_, err = repo.AppendPair(ctx, sess.ID, "Again", "Sure")
	require.NoError(t, err)

	msgs, err := repo.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, []string{"Hello", "Hi there", "Again", "Sure"},
		[]string{msgs[0].Content, msgs[1].Content, msgs[2].Content, msgs[3].Content})

	titled, err := repo.SetTitle(ctx, sess.ID, "Greetings")
	require.NoError(t, err)
	assert.Equal(t, "Greetings", *titled.Title)

	n, err := repo.DeleteSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	msgs, err = repo.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
