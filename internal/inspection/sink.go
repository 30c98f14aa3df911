package inspection

import (
	"log"
	"sync"
)

// MemorySink は結果をメモリに保持するSink実装
// 本番の永続化層が接続されるまでの既定実装で、テストでも使う
type MemorySink struct {
	mu       sync.RWMutex
	outcomes []Outcome
	commits  []CommitRecord
}

// NewMemorySink は新しいMemorySinkを作成する
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// RecordTestOutcome はテスト手順の結果を記録する
func (s *MemorySink) RecordTestOutcome(outcome Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)

	result := "PASS"
	if !outcome.Passed {
		result = "FAIL"
	}
	log.Printf("[%s] テスト結果: %s %s (%s)", outcome.Serial, outcome.TestName, result, outcome.RawResponse)
}

// RecordOtpCommit はOTPコミット記録を記録する
func (s *MemorySink) RecordOtpCommit(record CommitRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, record)

	log.Printf("[%s] OTPコミット: 階層 %s (%s)", record.Serial, record.Tier, record.Confirmation)
}

// Outcomes は記録された結果のコピーを返す
func (s *MemorySink) Outcomes() []Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	outcomes := make([]Outcome, len(s.outcomes))
	copy(outcomes, s.outcomes)
	return outcomes
}

// Commits は記録されたコミットのコピーを返す
func (s *MemorySink) Commits() []CommitRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	commits := make([]CommitRecord, len(s.commits))
	copy(commits, s.commits)
	return commits
}
