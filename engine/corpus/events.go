package corpus

import "time"

// SubjectRebuild is the NATS subject for admin index rebuild requests.
const SubjectRebuild = "corpus.rebuild"

// RebuildEvent asks the indexer to rebuild the admin index. Rebuild is a
// maintenance operation, not a runtime path; the API process keeps
// serving from its loaded index until restart.
type RebuildEvent struct {
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}
