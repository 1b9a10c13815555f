package model

// ScanStatus tracks a scan through its lifecycle. Transitions only move
// forward: queued -> running -> one of the terminal states.
type ScanStatus string

const (
	ScanPending   ScanStatus = "pending"
	ScanQueued    ScanStatus = "queued"
	ScanRunning   ScanStatus = "running"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
	ScanCancelled ScanStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s ScanStatus) IsTerminal() bool {
	switch s {
	case ScanCompleted, ScanFailed, ScanCancelled:
		return true
	default:
		return false
	}
}

// PointStatus tracks a single grid point within a scan.
type PointStatus string

const (
	PointPending   PointStatus = "pending"
	PointRunning   PointStatus = "running"
	PointCompleted PointStatus = "completed"
	PointFailed    PointStatus = "failed"
)

// ResultType tags where in the SERP a parsed business appeared.
type ResultType string

const (
	ResultLocalPack      ResultType = "local_pack"
	ResultOrganic        ResultType = "organic"
	ResultMaps           ResultType = "maps"
	ResultLocalFinder    ResultType = "local_finder"
	ResultKnowledgePanel ResultType = "knowledge_panel"
	ResultPeopleAlsoAsk  ResultType = "people_also_ask"
	ResultRelated        ResultType = "related_searches"
	ResultAds            ResultType = "ads"
)

// ReviewSource identifies which provider a review snapshot came from.
type ReviewSource string

const (
	SourceGoogle ReviewSource = "google"
	SourceBing   ReviewSource = "bing"
)

// ReviewSourceForEngine maps an engine id to the review column family it
// feeds. Bing engines write bing columns; everything else is Google-derived.
func ReviewSourceForEngine(engineID string) ReviewSource {
	if len(engineID) >= 4 && engineID[:4] == "bing" {
		return SourceBing
	}
	return SourceGoogle
}
