package replication

/**
This package ships the write-ahead log of a master database to a slave database.
When replication runs, the following 2 goroutines are initialized:

- Sender (master)
	Committing transactions write their log records to the local log and stage them in a
	logbuf.Buffer through MasterLog. The Sender drains the buffer and sends every drained chunk
	to the slave through the GRPCReplicationServer stream.

- SlaveController (slave)
	The receive loop of the SlaveController reads LOG messages from the master, decodes each
	chunk with a logbuf.Scanner and appends the records to the local log. The local log must
	assign every record the same instant the master's log did, otherwise the two logs have
	diverged and replication stops with ErrOutOfSync.
	On a lost connection the controller reconnects and asks the master to resume after the
	highest applied instant. A FAILOVER message or an administrator's Failover call promotes
	the local log to a standalone database.
*/
