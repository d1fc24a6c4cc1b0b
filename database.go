package mongowire

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kschlieper/mongowire/wire"
)

// Database scopes operations to one named database on a Server and acts
// as a factory for Collection handles.
type Database struct {
	server *Server
	name   string
}

// Name returns the database's name.
func (d *Database) Name() string { return d.name }

// Collection returns a handle to the named collection within d. It
// performs no I/O.
func (d *Database) Collection(name string) *Collection {
	return &Collection{db: d, name: name}
}

// Execute sends command as an OP_QUERY targeting "<db>.$cmd" and returns
// the reply's first (and only expected) document, using defaultTimeout.
func (d *Database) Execute(ctx context.Context, command bson.Raw) (bson.Raw, error) {
	return d.ExecuteTimeout(ctx, command, defaultTimeout)
}

// ExecuteTimeout is Execute with an explicit wait timeout.
func (d *Database) ExecuteTimeout(ctx context.Context, command bson.Raw, timeout time.Duration) (bson.Raw, error) {
	q := wire.Query{
		FullCollection: d.name + ".$cmd",
		NumberToReturn: 1,
		Query:          command,
	}
	reply, err := d.server.sendAndAwait(ctx, q, timeout)
	if err != nil {
		return nil, err
	}
	if len(reply.Documents) == 0 {
		return nil, InvalidReplyError{Operation: "command", Reason: "no documents in reply"}
	}
	return reply.Documents[0], nil
}

// RunCommand marshals cmd (which must name the command as its first
// field) and executes it, the general escape hatch for administrative
// commands this module does not otherwise model (dbStats, serverStatus,
// ping, buildInfo, ...).
func (d *Database) RunCommand(ctx context.Context, cmd bson.D) (bson.Raw, error) {
	raw, err := bson.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return d.Execute(ctx, bson.Raw(raw))
}

// Clone issues cloneCollectionAsCapped against the source database,
// copying collection into a new capped collection named named with a
// size cap of cappedToBytes.
func (d *Database) Clone(ctx context.Context, collection, named string, cappedToBytes int64) error {
	reply, err := d.RunCommand(ctx, bson.D{
		{Key: "cloneCollectionAsCapped", Value: collection},
		{Key: "toCollection", Value: named},
		{Key: "size", Value: cappedToBytes},
	})
	if err != nil {
		return err
	}
	return checkOK("cloneCollectionAsCapped", reply)
}
