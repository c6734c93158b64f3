package certificates_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/verdant-tech/iothub/core/csql"
	"github.com/verdant-tech/iothub/iot/certificates"
)

// SQLStoreTestSuite runs the store against a real postgres in a
// container. Set SKIP_CONTAINER_TESTS to skip it in environments
// without Docker.
type SQLStoreTestSuite struct {
	suite.Suite
	container testcontainers.Container
	db        *csql.DB
}

func TestSQLStoreTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	suite.Run(t, new(SQLStoreTestSuite))
}

func (s *SQLStoreTestSuite) SetupSuite() {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_PASSWORD": "docker",
				"POSTGRES_DB":       "postgres",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.container = container

	host, err := container.Host(ctx)
	s.Require().NoError(err)
	port, err := container.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	dsn := fmt.Sprintf("host=%s port=%s user=postgres password=docker dbname=postgres sslmode=disable",
		host, port.Port())
	s.db = csql.OpenWithSchema(dsn, "iothub_test")
}

func (s *SQLStoreTestSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		s.container.Terminate(context.Background())
	}
}

func (s *SQLStoreTestSuite) SetupTest() {
	s.db.ClearSchema()
}

func (s *SQLStoreTestSuite) TestInsertAndLookup() {
	store := certificates.MustNewSQLStore(s.db)
	ctx := context.Background()

	service, _ := newServiceWithStore(s.T(), store)
	issued, err := service.IssueCertificate(ctx, "dev-1", newCSR(s.T(), "dev-1"))
	s.Require().NoError(err)

	byDevice, ok, err := store.ActiveByDevice(ctx, "dev-1")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(issued.Fingerprint, byDevice.Fingerprint)
	s.Equal(issued.SerialNumber, byDevice.SerialNumber)

	// lookup accepts the bare hex rendering too
	byFingerprint, ok, err := store.ActiveByFingerprint(ctx, certificates.NormalizeFingerprint(issued.Fingerprint))
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal("dev-1", byFingerprint.DeviceID)
}

func (s *SQLStoreTestSuite) TestActiveUniquePerDevice() {
	store := certificates.MustNewSQLStore(s.db)
	ctx := context.Background()

	service, _ := newServiceWithStore(s.T(), store)
	_, err := service.IssueCertificate(ctx, "dev-1", newCSR(s.T(), "dev-1"))
	s.Require().NoError(err)
	_, err = service.IssueCertificate(ctx, "dev-1", newCSR(s.T(), "dev-1"))
	s.ErrorIs(err, certificates.ErrAlreadyIssued)
}

func (s *SQLStoreTestSuite) TestRevoke() {
	store := certificates.MustNewSQLStore(s.db)
	ctx := context.Background()

	service, _ := newServiceWithStore(s.T(), store)
	issued, err := service.IssueCertificate(ctx, "dev-1", newCSR(s.T(), "dev-1"))
	s.Require().NoError(err)

	s.Require().NoError(service.RevokeCertificate(ctx, "dev-1"))

	_, ok, err := store.ActiveByFingerprint(ctx, issued.Fingerprint)
	s.Require().NoError(err)
	s.False(ok)

	// the device can enroll again after revocation
	_, err = service.IssueCertificate(ctx, "dev-1", newCSR(s.T(), "dev-1"))
	s.NoError(err)
}

func (s *SQLStoreTestSuite) TestDeviceDirectory() {
	devices := certificates.MustNewSQLDevices(s.db)
	ctx := context.Background()

	ok, err := devices.Exists(ctx, "dev-1")
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(devices.Register(ctx, "dev-1", "greenhouse"))
	s.Require().NoError(devices.Register(ctx, "dev-1", "greenhouse")) // duplicate is fine

	ok, err = devices.Exists(ctx, "dev-1")
	s.Require().NoError(err)
	s.True(ok)
}
