//go:build integration

package testdb

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
	mysqlImage       = "mysql:8.0.36"
	postgresImage    = "postgres:16-alpine"
	databaseName     = "tablequeue"
	databaseUser     = "root"
	databasePassword = "secret"
	startupTimeout   = 2 * time.Minute
)

// Container is a database started for one test, reachable from the host
// through DB and from other containers on Network through DSN.
type Container struct {
	Container testcontainers.Container
	Network   *testcontainers.DockerNetwork
	DB        *sql.DB
	Driver    string
	DSN       string
}

type engine struct {
	image  string
	alias  string
	port   nat.Port
	driver string
	env    map[string]string
	dsn    func(host, port string) string
}

var (
	mysqlEngine = engine{
		image:  mysqlImage,
		alias:  "mysql",
		port:   "3306/tcp",
		driver: "mysql",
		env: map[string]string{
			"MYSQL_ROOT_PASSWORD": databasePassword,
			"MYSQL_DATABASE":      databaseName,
		},
		dsn: func(host, port string) string {
			return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&multiStatements=true",
				databaseUser, databasePassword, host, port, databaseName)
		},
	}
	postgresEngine = engine{
		image:  postgresImage,
		alias:  "postgres",
		port:   "5432/tcp",
		driver: "pgx",
		env: map[string]string{
			"POSTGRES_USER":     databaseUser,
			"POSTGRES_PASSWORD": databasePassword,
			"POSTGRES_DB":       databaseName,
		},
		dsn: func(host, port string) string {
			return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
				databaseUser, databasePassword, host, port, databaseName)
		},
	}
)

// StartMySQL starts MySQL 8 or skips the test when Docker is unavailable.
func StartMySQL(t *testing.T, ctx context.Context) Container {
	t.Helper()

	return start(t, ctx, mysqlEngine)
}

// StartPostgres starts PostgreSQL or skips the test when Docker is unavailable.
func StartPostgres(t *testing.T, ctx context.Context) Container {
	t.Helper()

	return start(t, ctx, postgresEngine)
}

func start(t *testing.T, ctx context.Context, e engine) Container {
	t.Helper()

	net, err := network.New(ctx)
	if err != nil {
		t.Skipf("create network: %v", err)
	}
	t.Cleanup(func() {
		_ = net.Remove(ctx)
	})

	req := testcontainers.ContainerRequest{
		Image:        e.image,
		ExposedPorts: []string{string(e.port)},
		Env:          e.env,
		Networks:     []string{net.Name},
		NetworkAliases: map[string][]string{
			net.Name: {e.alias},
		},
		WaitingFor: wait.ForSQL(e.port, e.driver, func(host string, port nat.Port) string {
			return e.dsn(host, port.Port())
		}).WithStartupTimeout(startupTimeout),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start %s container: %v", e.alias, err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("resolve host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, e.port)
	if err != nil {
		t.Fatalf("resolve port: %v", err)
	}

	db, err := sql.Open(e.driver, e.dsn(host, mappedPort.Port()))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	return Container{
		Container: container,
		Network:   net,
		DB:        db,
		Driver:    e.driver,
		DSN:       e.dsn(e.alias, e.port.Port()),
	}
}
