//go:build integration

// Package testutil starts throwaway storage servers for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	mysqlImage     = "mysql:8.0.36"
	postgresImage  = "postgres:16-alpine"
	redisImage     = "redis:7.2-alpine"
	database       = "outbox"
	mysqlUser      = "root"
	postgresUser   = "outbox"
	password       = "secret"
	startupTimeout = 2 * time.Minute
)

// MySQLContainer is a running MySQL server on its own network.
type MySQLContainer struct {
	Container testcontainers.Container
	Network   *testcontainers.DockerNetwork
	DB        *sql.DB
	// DSN reaches the server from other containers on Network.
	DSN string
}

// StartMySQLContainer starts MySQL or skips the test when Docker is unavailable.
func StartMySQLContainer(t *testing.T, ctx context.Context) MySQLContainer {
	t.Helper()

	net, err := network.New(ctx)
	if err != nil {
		t.Skipf("create network: %v", err)
	}
	t.Cleanup(func() {
		_ = net.Remove(ctx)
	})

	port := nat.Port("3306/tcp")
	req := testcontainers.ContainerRequest{
		Image:        mysqlImage,
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": password,
			"MYSQL_DATABASE":      database,
		},
		Networks: []string{net.Name},
		NetworkAliases: map[string][]string{
			net.Name: {"mysql"},
		},
		WaitingFor: wait.ForSQL(port, "mysql", func(host string, port nat.Port) string {
			return mysqlDSN(host, port.Port())
		}).WithStartupTimeout(startupTimeout),
	}

	container := startContainer(t, ctx, req, "mysql")
	host, mappedPort := endpoint(t, ctx, container, port)

	db, err := sql.Open("mysql", mysqlDSN(host, mappedPort))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	return MySQLContainer{
		Container: container,
		Network:   net,
		DB:        db,
		DSN:       mysqlDSN("mysql", "3306"),
	}
}

// StartPostgresContainer starts PostgreSQL and returns a connection URL.
func StartPostgresContainer(t *testing.T, ctx context.Context) string {
	t.Helper()

	port := nat.Port("5432/tcp")
	req := testcontainers.ContainerRequest{
		Image:        postgresImage,
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": password,
			"POSTGRES_DB":       database,
		},
		WaitingFor: wait.ForSQL(port, "pgx", func(host string, port nat.Port) string {
			return postgresURL(host, port.Port())
		}).WithStartupTimeout(startupTimeout),
	}

	container := startContainer(t, ctx, req, "postgres")
	host, mappedPort := endpoint(t, ctx, container, port)

	return postgresURL(host, mappedPort)
}

// StartRedisContainer starts Redis and returns its host:port address.
func StartRedisContainer(t *testing.T, ctx context.Context) string {
	t.Helper()

	port := nat.Port("6379/tcp")
	req := testcontainers.ContainerRequest{
		Image:        redisImage,
		ExposedPorts: []string{string(port)},
		WaitingFor: wait.ForListeningPort(port).
			WithStartupTimeout(startupTimeout),
	}

	container := startContainer(t, ctx, req, "redis")
	host, mappedPort := endpoint(t, ctx, container, port)

	return fmt.Sprintf("%s:%s", host, mappedPort)
}

func startContainer(t *testing.T, ctx context.Context, req testcontainers.ContainerRequest, name string) testcontainers.Container {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start %s container: %v", name, err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	return container
}

func endpoint(t *testing.T, ctx context.Context, container testcontainers.Container, port nat.Port) (string, string) {
	t.Helper()

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("resolve host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("resolve port: %v", err)
	}

	return host, mappedPort.Port()
}

func mysqlDSN(host, port string) string {
	return fmt.Sprintf(
		"%s:%s@tcp(%s:%s)/%s?parseTime=true&multiStatements=true",
		mysqlUser,
		password,
		host,
		port,
		database,
	)
}

func postgresURL(host, port string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", postgresUser, password, host, port, database)
}
