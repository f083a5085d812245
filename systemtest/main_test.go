package systemtest

import (
	"context"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	internalhttp "github.com/hermit-sh/hermit/internal/api/http"
	"github.com/hermit-sh/hermit/internal/auth"
	"github.com/hermit-sh/hermit/internal/db"
	"github.com/hermit-sh/hermit/internal/machines"
	"github.com/hermit-sh/hermit/internal/relay/registry"
	"github.com/hermit-sh/hermit/internal/users"
	"github.com/hermit-sh/hermit/systemtest/postgres"
	"github.com/hermit-sh/hermit/systemtest/tests"
)

func TestSystemIntegration(t *testing.T) {
	ctx := context.Background()

	container, err := postgres.StartPostgres(ctx, "hermit", "hermit", "hermit")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = postgres.TerminatePostgres(context.Background(), container)
	})

	dbURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, db.RunMigrations(dbURL))

	pool, err := db.InitDB(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	jwtConfig := auth.Config{Secret: "systemtest-secret"}
	services := &internalhttp.Services{
		Users:    users.NewService(pool),
		Machines: machines.NewService(pool),
		Agents:   registry.NewAgentRegistry(),
		Clients:  registry.NewClientRegistry(),
		Auth:     jwtConfig,
	}

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	internalhttp.SetupRoute(engine, services)

	t.Run("HealthCheck", func(t *testing.T) { tests.TestHealthCheck(t, engine) })
	t.Run("Auth", func(t *testing.T) { tests.TestAuthFlows(t, engine, jwtConfig) })
	t.Run("Machines", func(t *testing.T) { tests.TestMachineEnrollment(t, engine) })
	t.Run("Relay", func(t *testing.T) { tests.TestRelayEndToEnd(t, engine) })
}
