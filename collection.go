package mongowire

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kschlieper/mongowire/wire"
)

const maxInsertBatch = 1000

// Collection is the CRUD/command surface for one named collection within
// a Database. A Collection's name and owning database change only via
// Rename/Move.
type Collection struct {
	db   *Database
	name string
}

// Name returns the collection's current name.
func (c *Collection) Name() string { return c.name }

// Database returns the owning Database.
func (c *Collection) Database() *Database { return c.db }

func (c *Collection) fullName() string { return c.db.name + "." + c.name }

func (c *Collection) wireVersion() int32 { return c.db.server.MaxWireVersion() }

// injectID returns doc unchanged with its existing "_id" value if
// present, or a copy of doc with a freshly generated ObjectID prepended
// as "_id" otherwise. Either way it reports the _id value that ends up
// associated with the document.
func injectID(doc bson.Raw) (bson.Raw, bson.RawValue, error) {
	if v, err := doc.LookupErr("_id"); err == nil {
		return doc, v, nil
	}

	var existing bson.D
	if err := bson.Unmarshal(doc, &existing); err != nil {
		return nil, bson.RawValue{}, err
	}
	id := NewObjectID()
	full := make(bson.D, 0, len(existing)+1)
	full = append(full, bson.E{Key: "_id", Value: id})
	full = append(full, existing...)

	raw, err := bson.Marshal(full)
	if err != nil {
		return nil, bson.RawValue{}, err
	}
	newDoc := bson.Raw(raw)
	idVal, err := newDoc.LookupErr("_id")
	if err != nil {
		return nil, bson.RawValue{}, err
	}
	return newDoc, idVal, nil
}

// InsertOptions configures Insert.
type InsertOptions struct {
	// Ordered, when non-nil, is sent as the command's "ordered" field.
	Ordered *bool
	// Timeout overrides the default of 60s + count/50s.
	Timeout time.Duration
}

func insertTimeout(opts InsertOptions, count int) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return 60*time.Second + time.Duration(count/50)*time.Second
}

// Insert adds docs to the collection in chunks of at most 1,000,
// injecting a fresh ObjectID as "_id" into any document that lacks one.
// It returns the "_id" value associated with each input document, in
// order.
func (c *Collection) Insert(ctx context.Context, docs []bson.Raw, opts InsertOptions) ([]bson.RawValue, error) {
	ids := make([]bson.RawValue, len(docs))
	prepared := make([]bson.Raw, len(docs))
	for i, d := range docs {
		pd, id, err := injectID(d)
		if err != nil {
			return nil, err
		}
		prepared[i] = pd
		ids[i] = id
	}

	timeout := insertTimeout(opts, len(docs))

	for start := 0; start < len(prepared); start += maxInsertBatch {
		end := start + maxInsertBatch
		if end > len(prepared) {
			end = len(prepared)
		}
		chunk := prepared[start:end]

		if c.wireVersion() >= 2 {
			if err := c.insertCommand(ctx, chunk, opts, timeout); err != nil {
				return nil, err
			}
		} else if err := c.insertLegacy(ctx, chunk); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (c *Collection) insertCommand(ctx context.Context, chunk []bson.Raw, opts InsertOptions, timeout time.Duration) error {
	docsArr := make(bson.A, len(chunk))
	for i, d := range chunk {
		docsArr[i] = d
	}
	cmd := bson.D{
		{Key: "insert", Value: c.name},
		{Key: "documents", Value: docsArr},
	}
	if opts.Ordered != nil {
		cmd = append(cmd, bson.E{Key: "ordered", Value: *opts.Ordered})
	}
	raw, err := bson.Marshal(cmd)
	if err != nil {
		return err
	}
	reply, err := c.db.ExecuteTimeout(ctx, bson.Raw(raw), timeout)
	if err != nil {
		return err
	}
	if !commandOK(reply) {
		return InsertError{CommandError: newCommandError("insert", reply), FailedDocuments: chunk}
	}
	return nil
}

func (c *Collection) insertLegacy(ctx context.Context, chunk []bson.Raw) error {
	return c.db.server.sendOneWay(ctx, wire.Insert{FullCollection: c.fullName(), Documents: chunk})
}

// FindOptions configures Find.
type FindOptions struct {
	Filter     bson.Raw
	Sort       bson.Raw
	Projection bson.Raw
	Skip       int32
	Limit      int32
	BatchSize  int32
}

// Query sends a raw legacy OP_QUERY and returns a cursor built from the
// reply. chunkSize <= 0 uses the package default.
func (c *Collection) Query(ctx context.Context, filter bson.Raw, flags int32, chunkSize int32) (*Cursor, error) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	q := wire.Query{
		Flags:          flags,
		FullCollection: c.fullName(),
		NumberToReturn: chunkSize,
		Query:          filter,
	}
	reply, err := c.db.server.sendAndAwait(ctx, q, defaultTimeout)
	if err != nil {
		return nil, err
	}
	return newCursorFromReply(c, c.fullName(), reply, chunkSize), nil
}

// Find uses the modern "find" command when the peer's wire version
// supports it, falling back to a legacy Query otherwise.
func (c *Collection) Find(ctx context.Context, opts FindOptions) (*Cursor, error) {
	if c.wireVersion() < 4 {
		return c.findLegacy(ctx, opts)
	}

	cmd := bson.D{{Key: "find", Value: c.name}}
	if opts.Filter != nil {
		cmd = append(cmd, bson.E{Key: "filter", Value: opts.Filter})
	}
	if opts.Sort != nil {
		cmd = append(cmd, bson.E{Key: "sort", Value: opts.Sort})
	}
	if opts.Projection != nil {
		cmd = append(cmd, bson.E{Key: "projection", Value: opts.Projection})
	}
	if opts.Skip != 0 {
		cmd = append(cmd, bson.E{Key: "skip", Value: opts.Skip})
	}
	if opts.Limit != 0 {
		cmd = append(cmd, bson.E{Key: "limit", Value: opts.Limit})
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultChunkSize
	}
	cmd = append(cmd, bson.E{Key: "batchSize", Value: batchSize})

	raw, err := bson.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	reply, err := c.db.Execute(ctx, bson.Raw(raw))
	if err != nil {
		return nil, err
	}
	if !commandOK(reply) {
		return nil, newCommandError("find", reply)
	}
	cursorVal, err := reply.LookupErr("cursor")
	if err != nil {
		return nil, CursorInitializationError{Reason: "missing cursor field in find reply"}
	}
	doc, ok := cursorVal.DocumentOK()
	if !ok {
		return nil, CursorInitializationError{Reason: "cursor field is not a document"}
	}
	return newCursorFromCommand(c, bson.Raw(doc), batchSize)
}

// findLegacy maps FindOptions onto a raw OP_QUERY for peers too old to
// speak the "find" command: Limit (or, failing that, BatchSize) becomes
// numberToReturn, Skip becomes numberToSkip, Projection becomes the
// returnFieldsSelector, and a non-nil Sort is folded into the query
// document via the $query/$orderby modifier convention.
func (c *Collection) findLegacy(ctx context.Context, opts FindOptions) (*Cursor, error) {
	numberToReturn := opts.Limit
	if numberToReturn == 0 {
		numberToReturn = opts.BatchSize
	}
	if numberToReturn == 0 {
		numberToReturn = defaultChunkSize
	}

	filter := opts.Filter
	if opts.Sort != nil {
		wrapped := bson.D{{Key: "$query", Value: filter}, {Key: "$orderby", Value: opts.Sort}}
		raw, err := bson.Marshal(wrapped)
		if err != nil {
			return nil, err
		}
		filter = bson.Raw(raw)
	}

	q := wire.Query{
		FullCollection: c.fullName(),
		NumberToSkip:   opts.Skip,
		NumberToReturn: numberToReturn,
		Query:          filter,
		ReturnFields:   opts.Projection,
	}
	reply, err := c.db.server.sendAndAwait(ctx, q, defaultTimeout)
	if err != nil {
		return nil, err
	}

	chunkSize := opts.BatchSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return newCursorFromReply(c, c.fullName(), reply, chunkSize), nil
}

// FindOne is Find with limit=1, returning the first document if any.
func (c *Collection) FindOne(ctx context.Context, filter, sort, projection bson.Raw, out interface{}) (bool, error) {
	cur, err := c.Find(ctx, FindOptions{Filter: filter, Sort: sort, Projection: projection, Limit: 1, BatchSize: 1})
	if err != nil {
		return false, err
	}
	defer cur.Close(ctx)
	return cur.Next(ctx, out)
}

// QueryOne is Query with a chunk size of 1, returning the first document
// if any.
func (c *Collection) QueryOne(ctx context.Context, filter bson.Raw, out interface{}) (bool, error) {
	cur, err := c.Query(ctx, filter, 0, 1)
	if err != nil {
		return false, err
	}
	defer cur.Close(ctx)
	return cur.Next(ctx, out)
}

// UpdateSpec is one entry of a bulk Update call.
type UpdateSpec struct {
	Filter      bson.Raw
	Replacement bson.Raw
	Upsert      bool
	Multi       bool
}

// UpdateOptions configures Update.
type UpdateOptions struct {
	Ordered *bool
}

// Update applies updates in a single command (wire version >= 2) or as
// individual legacy opcodes.
func (c *Collection) Update(ctx context.Context, updates []UpdateSpec, opts UpdateOptions) error {
	if c.wireVersion() >= 2 {
		return c.updateCommand(ctx, updates, opts)
	}
	return c.updateLegacy(ctx, updates)
}

func (c *Collection) updateCommand(ctx context.Context, updates []UpdateSpec, opts UpdateOptions) error {
	arr := make(bson.A, len(updates))
	for i, u := range updates {
		arr[i] = bson.D{
			{Key: "q", Value: u.Filter},
			{Key: "u", Value: u.Replacement},
			{Key: "upsert", Value: u.Upsert},
			{Key: "multi", Value: u.Multi},
		}
	}
	cmd := bson.D{
		{Key: "update", Value: c.name},
		{Key: "updates", Value: arr},
	}
	if opts.Ordered != nil {
		cmd = append(cmd, bson.E{Key: "ordered", Value: *opts.Ordered})
	}
	reply, err := c.db.RunCommand(ctx, cmd)
	if err != nil {
		return err
	}
	if !commandOK(reply) {
		return UpdateError{CommandError: newCommandError("update", reply)}
	}
	return nil
}

func (c *Collection) updateLegacy(ctx context.Context, updates []UpdateSpec) error {
	for _, u := range updates {
		var flags int32
		if u.Upsert {
			flags |= wire.UpdateUpsert
		}
		if u.Multi {
			flags |= wire.UpdateMultiUpdate
		}
		m := wire.Update{
			FullCollection: c.fullName(),
			Flags:          flags,
			Selector:       u.Filter,
			UpdateDoc:      u.Replacement,
		}
		if err := c.db.server.sendOneWay(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// RemoveSpec is one entry of a bulk Remove call. Limit of 0 means
// unbounded (delete every matching document).
type RemoveSpec struct {
	Filter bson.Raw
	Limit  int32
}

// RemoveOptions configures Remove.
type RemoveOptions struct {
	Ordered *bool
}

// Remove deletes documents matching removes in a single command (wire
// version >= 2) or as individual legacy opcodes.
func (c *Collection) Remove(ctx context.Context, removes []RemoveSpec, opts RemoveOptions) error {
	if c.wireVersion() >= 2 {
		return c.removeCommand(ctx, removes, opts)
	}
	return c.removeLegacy(ctx, removes)
}

func (c *Collection) removeCommand(ctx context.Context, removes []RemoveSpec, opts RemoveOptions) error {
	arr := make(bson.A, len(removes))
	for i, r := range removes {
		arr[i] = bson.D{
			{Key: "q", Value: r.Filter},
			{Key: "limit", Value: r.Limit},
		}
	}
	cmd := bson.D{
		{Key: "delete", Value: c.name},
		{Key: "deletes", Value: arr},
	}
	if opts.Ordered != nil {
		cmd = append(cmd, bson.E{Key: "ordered", Value: *opts.Ordered})
	}
	reply, err := c.db.RunCommand(ctx, cmd)
	if err != nil {
		return err
	}
	if !commandOK(reply) {
		return RemoveError{CommandError: newCommandError("delete", reply)}
	}
	return nil
}

func (c *Collection) removeLegacy(ctx context.Context, removes []RemoveSpec) error {
	for _, r := range removes {
		if r.Limit == 0 {
			m := wire.Delete{FullCollection: c.fullName(), Selector: r.Filter}
			if err := c.db.server.sendOneWay(ctx, m); err != nil {
				return err
			}
			continue
		}
		m := wire.Delete{FullCollection: c.fullName(), Flags: wire.DeleteRemoveOne, Selector: r.Filter}
		for i := int32(0); i < r.Limit; i++ {
			if err := c.db.server.sendOneWay(ctx, m); err != nil {
				return err
			}
		}
	}
	return nil
}

// Count returns the number of documents matching filter (nil for all
// documents), surfacing CommandError on a non-ok reply rather than
// silently returning zero.
func (c *Collection) Count(ctx context.Context, filter bson.Raw, limit, skip int64) (int64, error) {
	cmd := bson.D{{Key: "count", Value: c.name}}
	if filter != nil {
		cmd = append(cmd, bson.E{Key: "query", Value: filter})
	}
	if skip != 0 {
		cmd = append(cmd, bson.E{Key: "skip", Value: skip})
	}
	if limit != 0 {
		cmd = append(cmd, bson.E{Key: "limit", Value: limit})
	}
	reply, err := c.db.RunCommand(ctx, cmd)
	if err != nil {
		return 0, err
	}
	if !commandOK(reply) {
		return 0, newCommandError("count", reply)
	}
	v, err := reply.LookupErr("n")
	if err != nil {
		return 0, InvalidReplyError{Operation: "count", Reason: "missing n"}
	}
	switch v.Type {
	case bson.TypeInt32:
		return int64(v.Int32()), nil
	case bson.TypeInt64:
		return v.Int64(), nil
	case bson.TypeDouble:
		return int64(v.Double()), nil
	default:
		return 0, InvalidReplyError{Operation: "count", Reason: "n has unexpected type"}
	}
}

// Distinct returns the set of distinct values for key among documents
// matching filter (nil for all documents).
func (c *Collection) Distinct(ctx context.Context, key string, filter bson.Raw) ([]bson.RawValue, error) {
	cmd := bson.D{{Key: "distinct", Value: c.name}, {Key: "key", Value: key}}
	if filter != nil {
		cmd = append(cmd, bson.E{Key: "query", Value: filter})
	}
	reply, err := c.db.RunCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !commandOK(reply) {
		return nil, newCommandError("distinct", reply)
	}
	v, err := reply.LookupErr("values")
	if err != nil {
		return nil, InvalidReplyError{Operation: "distinct", Reason: "missing values"}
	}
	arr, ok := v.ArrayOK()
	if !ok {
		return nil, InvalidReplyError{Operation: "distinct", Reason: "values is not an array"}
	}
	return arr.Values()
}

// AggregateOptions configures Aggregate.
type AggregateOptions struct {
	Explain                  bool
	AllowDiskUse             bool
	BatchSize                int32
	BypassDocumentValidation bool
}

// Aggregate runs an aggregation pipeline and returns a cursor over its
// results.
func (c *Collection) Aggregate(ctx context.Context, pipeline bson.A, opts AggregateOptions) (*Cursor, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultChunkSize
	}
	cmd := bson.D{
		{Key: "aggregate", Value: c.name},
		{Key: "pipeline", Value: pipeline},
		{Key: "cursor", Value: bson.D{{Key: "batchSize", Value: batchSize}}},
	}
	if opts.Explain {
		cmd = append(cmd, bson.E{Key: "explain", Value: true})
	}
	if opts.AllowDiskUse {
		cmd = append(cmd, bson.E{Key: "allowDiskUse", Value: true})
	}
	if opts.BypassDocumentValidation {
		cmd = append(cmd, bson.E{Key: "bypassDocumentValidation", Value: true})
	}
	reply, err := c.db.RunCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !commandOK(reply) {
		return nil, newCommandError("aggregate", reply)
	}
	cursorVal, err := reply.LookupErr("cursor")
	if err != nil {
		return nil, CursorInitializationError{Reason: "missing cursor field in aggregate reply"}
	}
	doc, ok := cursorVal.DocumentOK()
	if !ok {
		return nil, CursorInitializationError{Reason: "cursor field is not a document"}
	}
	return newCursorFromCommand(c, bson.Raw(doc), batchSize)
}

// FindAndModifyAction selects findAndModify's behavior: either Remove,
// or an Update with the given document.
type FindAndModifyAction struct {
	Remove         bool
	Update         bson.Raw
	ReturnModified bool
	Upsert         bool
}

// FindAndModify atomically finds and mutates (or removes) a single
// document, returning the document named by the reply's "value" field,
// or nil if nothing matched.
func (c *Collection) FindAndModify(ctx context.Context, filter, sort, projection bson.Raw, action FindAndModifyAction) (bson.Raw, error) {
	cmd := bson.D{{Key: "findAndModify", Value: c.name}}
	if filter != nil {
		cmd = append(cmd, bson.E{Key: "query", Value: filter})
	}
	if sort != nil {
		cmd = append(cmd, bson.E{Key: "sort", Value: sort})
	}
	if projection != nil {
		cmd = append(cmd, bson.E{Key: "fields", Value: projection})
	}
	if action.Remove {
		cmd = append(cmd, bson.E{Key: "remove", Value: true})
	} else {
		cmd = append(cmd,
			bson.E{Key: "update", Value: action.Update},
			bson.E{Key: "new", Value: action.ReturnModified},
			bson.E{Key: "upsert", Value: action.Upsert},
		)
	}
	reply, err := c.db.RunCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !commandOK(reply) {
		return nil, newCommandError("findAndModify", reply)
	}
	v, err := reply.LookupErr("value")
	if err != nil {
		return nil, nil
	}
	doc, ok := v.DocumentOK()
	if !ok {
		return nil, nil
	}
	return bson.Raw(doc), nil
}

// IndexSpec describes one index for CreateIndexes.
type IndexSpec struct {
	Name   string
	Keys   bson.D
	Unique bool
	Sparse bool
}

// CreateIndexes requires wire version >= 2; on older peers it fails with
// ErrUnsupportedOperations.
func (c *Collection) CreateIndexes(ctx context.Context, specs []IndexSpec) error {
	if c.wireVersion() < 2 {
		return ErrUnsupportedOperations
	}
	arr := make(bson.A, len(specs))
	for i, s := range specs {
		d := bson.D{{Key: "key", Value: s.Keys}, {Key: "name", Value: s.Name}}
		if s.Unique {
			d = append(d, bson.E{Key: "unique", Value: true})
		}
		if s.Sparse {
			d = append(d, bson.E{Key: "sparse", Value: true})
		}
		arr[i] = d
	}
	reply, err := c.db.RunCommand(ctx, bson.D{
		{Key: "createIndexes", Value: c.name},
		{Key: "indexes", Value: arr},
	})
	if err != nil {
		return err
	}
	return checkOK("createIndexes", reply)
}

// DropIndex drops a single named index.
func (c *Collection) DropIndex(ctx context.Context, name string) error {
	reply, err := c.db.RunCommand(ctx, bson.D{
		{Key: "dropIndexes", Value: c.name},
		{Key: "index", Value: name},
	})
	if err != nil {
		return err
	}
	return checkOK("dropIndexes", reply)
}

// ListIndexes requires wire version > 3; on older peers it fails with
// ErrUnsupportedOperations.
func (c *Collection) ListIndexes(ctx context.Context) (*Cursor, error) {
	if c.wireVersion() <= 3 {
		return nil, ErrUnsupportedOperations
	}
	reply, err := c.db.RunCommand(ctx, bson.D{{Key: "listIndexes", Value: c.name}})
	if err != nil {
		return nil, err
	}
	if !commandOK(reply) {
		return nil, newCommandError("listIndexes", reply)
	}
	cursorVal, err := reply.LookupErr("cursor")
	if err != nil {
		return nil, CursorInitializationError{Reason: "missing cursor field in listIndexes reply"}
	}
	doc, ok := cursorVal.DocumentOK()
	if !ok {
		return nil, CursorInitializationError{Reason: "cursor field is not a document"}
	}
	return newCursorFromCommand(c, bson.Raw(doc), defaultChunkSize)
}

// Drop removes the collection entirely.
func (c *Collection) Drop(ctx context.Context) error {
	reply, err := c.db.RunCommand(ctx, bson.D{{Key: "drop", Value: c.name}})
	if err != nil {
		return err
	}
	return checkOK("drop", reply)
}

// Rename changes the collection's name within its current database.
func (c *Collection) Rename(ctx context.Context, newName string) error {
	admin := c.db.server.Database("admin")
	reply, err := admin.RunCommand(ctx, bson.D{
		{Key: "renameCollection", Value: c.fullName()},
		{Key: "to", Value: c.db.name + "." + newName},
	})
	if err != nil {
		return err
	}
	if err := checkOK("renameCollection", reply); err != nil {
		return err
	}
	c.name = newName
	return nil
}

// Move relocates the collection to a different database, optionally
// under a new name, optionally dropping any existing target.
func (c *Collection) Move(ctx context.Context, db, newName string, dropTarget bool) error {
	target := newName
	if target == "" {
		target = c.name
	}
	admin := c.db.server.Database("admin")
	cmd := bson.D{
		{Key: "renameCollection", Value: c.fullName()},
		{Key: "to", Value: db + "." + target},
	}
	if dropTarget {
		cmd = append(cmd, bson.E{Key: "dropTarget", Value: true})
	}
	reply, err := admin.RunCommand(ctx, cmd)
	if err != nil {
		return err
	}
	if err := checkOK("renameCollection", reply); err != nil {
		return err
	}
	c.db = c.db.server.Database(db)
	c.name = target
	return nil
}

// Touch preloads data and/or index pages into memory.
func (c *Collection) Touch(ctx context.Context, data, index bool) error {
	reply, err := c.db.RunCommand(ctx, bson.D{
		{Key: "touch", Value: c.name},
		{Key: "data", Value: data},
		{Key: "index", Value: index},
	})
	if err != nil {
		return err
	}
	return checkOK("touch", reply)
}

// ConvertToCapped converts the collection into a capped collection of
// the given byte size.
func (c *Collection) ConvertToCapped(ctx context.Context, sizeBytes int64) error {
	reply, err := c.db.RunCommand(ctx, bson.D{
		{Key: "convertToCapped", Value: c.name},
		{Key: "size", Value: sizeBytes},
	})
	if err != nil {
		return err
	}
	return checkOK("convertToCapped", reply)
}

// ReIndex rebuilds every index on the collection.
func (c *Collection) ReIndex(ctx context.Context) error {
	reply, err := c.db.RunCommand(ctx, bson.D{{Key: "reIndex", Value: c.name}})
	if err != nil {
		return err
	}
	return checkOK("reIndex", reply)
}

// Compact reclaims disk space used by the collection.
func (c *Collection) Compact(ctx context.Context, force bool) error {
	cmd := bson.D{{Key: "compact", Value: c.name}}
	if force {
		cmd = append(cmd, bson.E{Key: "force", Value: true})
	}
	reply, err := c.db.RunCommand(ctx, cmd)
	if err != nil {
		return err
	}
	return checkOK("compact", reply)
}

// Modify applies collMod flags to the collection. flags must not itself
// contain a "collMod" key, since that is supplied implicitly.
func (c *Collection) Modify(ctx context.Context, flags bson.D) error {
	for _, e := range flags {
		if e.Key == "collMod" {
			return CommandPreconditionError{Operation: "Modify", Reason: `"collMod" key is set implicitly and may not be supplied in flags`}
		}
	}
	cmd := bson.D{{Key: "collMod", Value: c.name}}
	cmd = append(cmd, flags...)
	reply, err := c.db.RunCommand(ctx, cmd)
	if err != nil {
		return err
	}
	return checkOK("collMod", reply)
}
