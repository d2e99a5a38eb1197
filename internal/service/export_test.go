package service

import "time"

// SetSettlementClock pins the settlement clock in tests.
func SetSettlementClock(s *SettlementService, now func() time.Time) { s.now = now }
