package admin

import (
	"github.com/sirupsen/logrus"

	"github.com/sabermill/sabermill/pkg/postgres"
)

// Service bundles the bookkeeping trackers over one database client
type Service struct {
	Runs       *Runs
	Files      *Files
	Watermarks *Watermarks
	ChangeLog  *ChangeLog
	Queue      *Queue
	TableSync  *TableSync
}

// NewService creates every tracker over the shared client
func NewService(log logrus.FieldLogger, client postgres.Client) *Service {
	return &Service{
		Runs:       NewRuns(log, client),
		Files:      NewFiles(log, client),
		Watermarks: NewWatermarks(log, client),
		ChangeLog:  NewChangeLog(log, client),
		Queue:      NewQueue(log, client),
		TableSync:  NewTableSync(log, client),
	}
}
