//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	audit "consentline/pkg/platform/audit"
	auditpg "consentline/pkg/platform/audit/store/postgres"
	"consentline/pkg/testutil/containers"
)

type StoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	chain    *audit.Chain
}

func TestStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	signer, err := audit.GenerateSigner("")
	s.Require().NoError(err)
	s.chain, err = audit.New(auditpg.New(s.postgres.DB), signer)
	s.Require().NoError(err)
}

func (s *StoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.Truncate(context.Background()))
}

func (s *StoreSuite) TestRoundTripStaysVerifiable() {
	ctx := context.Background()
	for i := range 3 {
		_, err := s.chain.Append(ctx, audit.Record{
			PrincipalRef: "dp-1",
			DFID:         "df-1",
			Operation:    audit.OpUpdate,
			Version:      i + 1,
			Payload:      map[string]any{"nested": map[string]any{"b": 2, "a": []int{1, 2}}, "v": i},
		})
		s.Require().NoError(err)
	}

	report, err := s.chain.Verify(ctx, "dp-1", "df-1")
	s.Require().NoError(err)
	s.Len(report.Entries, 3)
	s.True(report.Valid)
}

func (s *StoreSuite) TestConcurrentAppendsSerializeOnChain() {
	ctx := context.Background()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.chain.Append(ctx, audit.Record{PrincipalRef: "dp-2", DFID: "df-1", Operation: audit.OpUpdate})
			s.NoError(err)
		}()
	}
	wg.Wait()

	report, err := s.chain.Verify(ctx, "dp-2", "df-1")
	s.Require().NoError(err)
	s.Len(report.Entries, 10)
	s.True(report.Valid)
}
