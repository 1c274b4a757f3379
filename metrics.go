package objstore

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Keys for objstore metrics.
const (
	TransactionsTotalKey   = "objstore_transactions_total"
	OpenTransactionsKey    = "objstore_open_transactions"
	RequestsTotalKey       = "objstore_requests_total"
	MigrationStepsTotalKey = "objstore_migration_steps_total"
	BackfilledRecordsKey   = "objstore_backfilled_records_total"
	CommittedChangesKey    = "objstore_committed_changes_total"

	outcomeCommitted = "committed"
	outcomeAborted   = "aborted"
	statusOk         = "ok"
	statusFail       = "fail"
)

// Collectors for objstore metrics.
var (
	TransactionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: TransactionsTotalKey,
		Help: "Cumulative number of finished transactions.",
	}, []string{"mode", "outcome"})
	OpenTransactions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: OpenTransactionsKey,
		Help: "Number of transactions currently open.",
	})
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: RequestsTotalKey,
		Help: "Cumulative number of executed transaction requests.",
	}, []string{"op", "status"})
	MigrationStepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: MigrationStepsTotalKey,
		Help: "Cumulative number of applied schema migration steps.",
	}, []string{"kind"})
	BackfilledRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: BackfilledRecordsKey,
		Help: "Cumulative number of records visited while building new indexes.",
	})
	CommittedChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: CommittedChangesKey,
		Help: "Cumulative number of committed record mutations.",
	}, []string{"op"})
)

// Collectors returns the objstore metric collectors for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		TransactionsTotal,
		OpenTransactions,
		RequestsTotal,
		MigrationStepsTotal,
		BackfilledRecordsTotal,
		CommittedChangesTotal,
	}
}
