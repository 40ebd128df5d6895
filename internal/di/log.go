package di

import (
	"fmt"

	"github.com/alpacahq/walship/logbuf"
	"github.com/alpacahq/walship/logstore"
	"github.com/alpacahq/walship/replication"
	"github.com/alpacahq/walship/utils/log"
)

// GetFileLog opens the local log of the database. A master owns a
// standalone log, a slave a slave log.
func (c *Container) GetFileLog() *logstore.FileLog {
	if c.fileLog != nil {
		return c.fileLog
	}
	mode := logstore.Slave
	if c.IsMaster() {
		mode = logstore.Standalone
	}
	fileLog, err := logstore.Open(c.GetAbsRootDir(), mode)
	if err != nil {
		log.Error("Unable to open the local log. err=" + err.Error())
		panic(fmt.Sprintf("unable to open the local log: %v", err))
	}
	c.fileLog = fileLog
	return c.fileLog
}

func (c *Container) GetLogBuffer() *logbuf.Buffer {
	if c.logBuffer != nil {
		return c.logBuffer
	}
	b, err := logbuf.NewBuffer(c.config.LogBuffer.SegmentSize, c.config.LogBuffer.Segments)
	if err != nil {
		panic(fmt.Sprintf("invalid log buffer configuration: %v", err))
	}
	c.logBuffer = b
	return c.logBuffer
}

// GetMasterLog returns the commit path of a master.
func (c *Container) GetMasterLog() *replication.MasterLog {
	if !c.IsMaster() {
		return nil
	}
	if c.masterLog != nil {
		return c.masterLog
	}
	c.masterLog = replication.NewMasterLog(c.GetFileLog(), c.GetLogBuffer(), c.config.LogFileSize)
	return c.masterLog
}
