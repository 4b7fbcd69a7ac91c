package expiry_test

import (
	"context"
	"time"

	"consentline/internal/broker"
	"consentline/internal/expiry"
	"consentline/internal/platform/logger"
)

func (s *ScannerSuite) TestReconcileRepublishesOverdueFlaggedEntries() {
	ctx := context.Background()
	s.insert("a1", s.now.Add(2*day), s.now.Add(300*day))
	_, err := s.scanner.Scan(ctx)
	s.Require().NoError(err)

	publisher := broker.NewSessionPublisher(s.broker)
	s.T().Cleanup(func() { _ = publisher.Close() })
	reconciler := expiry.NewReconciler(s.store, publisher,
		expiry.WithGrace(10*time.Minute),
		expiry.WithReconcilerLogger(logger.Discard()),
		expiry.WithReconcilerClock(s.clock),
	)

	s.Run("inside grace nothing is republished", func() {
		s.now = s.now.Add(2*day + 5*time.Minute)
		n, err := reconciler.Reconcile(ctx)
		s.Require().NoError(err)
		s.Zero(n)
	})

	s.Run("past grace the entry is released again", func() {
		s.now = s.now.Add(time.Hour)
		n, err := reconciler.Reconcile(ctx)
		s.Require().NoError(err)
		s.Equal(1, n)

		// The original delayed message is past its expiration on the advanced
		// clock and moves into the processing queue on the next sweep.
		s.Eventually(func() bool {
			return len(s.waiting(broker.ConsentProcessingQueue)) == 1
		}, 2*time.Second, 10*time.Millisecond)
		original := s.waiting(broker.ConsentProcessingQueue)[0]

		msgs := s.waiting(broker.ConsentExpiryDelayQueue)
		s.Require().Len(msgs, 1)
		s.Equal(original.CorrelationID, msgs[0].CorrelationID)
		s.LessOrEqual(msgs[0].Expiration, time.Second)
	})
}

func (s *ScannerSuite) TestReconcilerRejectsBadSchedule() {
	reconciler := expiry.NewReconciler(s.store, broker.NewSessionPublisher(s.broker),
		expiry.WithSchedule("not a schedule"),
		expiry.WithReconcilerLogger(logger.Discard()),
	)
	s.Error(reconciler.Run(context.Background()))
}
