package mech

// Stats 聚合了处理记录各阶段的数量，常用于仪表盘或健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Observed        int   `json:"observed"`
	Resolved        int   `json:"resolved"`
	Executing       int   `json:"executing"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	Abandoned       int   `json:"abandoned"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) count(record *Record) {
	s.Total++
	switch record.Stage {
	case StageObserved:
		s.Observed++
	case StageResolved:
		s.Resolved++
	case StageExecuting:
		s.Executing++
	case StageCompleted:
		s.Completed++
	case StageFailed:
		s.Failed++
	case StageAbandoned:
		s.Abandoned++
	}
	if record.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = record.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (record.UpdatedAt != 0 && record.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = record.UpdatedAt
	}
}
