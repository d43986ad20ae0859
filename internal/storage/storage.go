package storage

// Refresh kinds and terminal statuses as stored.
const (
	KindInitial = "initial"
	KindUpdate  = "update"

	StatusSuccessful = "successful"
	StatusFailed     = "failed"
)

// RefreshRecord represents one terminal fetch outcome.
type RefreshRecord struct {
	JobID     string
	Kind      string
	URL       string
	LocalPath string
	Status    string
	FetchedAt string
}

type RefreshReadRepository interface {
	GetRefreshes(limit int) ([]RefreshRecord, error)
}

type RefreshWriteRepository interface {
	RecordRefresh(rec RefreshRecord) error
}
