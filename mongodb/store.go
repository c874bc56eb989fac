// Package mongodb provides a MongoDB-backed persistent task store.
package mongodb

import (
	"errors"
	"net/url"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/fetchd/fetchd"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping themselves
	// every 10 seconds, we use a value just over 2 ping periods to allow
	// for delayed pings due to issues such as CPU starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same cloud/private
	// network.
	dialTimeout = 30 * time.Second

	// defaultCollectionName is the name of the collection in MongoDB.
	// It can be overridden by SetCollectionName.
	defaultCollectionName = "task_list"
)

// Store represents a MongoDB-based storage backend.
// It implements the fetchd.Store interface.
type Store struct {
	session        *mgo.Session
	db             *mgo.Database
	coll           *mgo.Collection
	collectionName string
	bus            fetchd.EventBus
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetCollectionName overrides the default collection name.
func SetCollectionName(name string) StoreOption {
	return func(s *Store) {
		if name != "" {
			s.collectionName = name
		}
	}
}

// NewStore creates a new MongoDB-based storage backend.
func NewStore(mongodbURL string, bus fetchd.EventBus, options ...StoreOption) (*Store, error) {
	st := &Store{
		collectionName: defaultCollectionName,
		bus:            bus,
	}
	for _, opt := range options {
		opt(st)
	}

	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("mongodb: database missing in URL")
	}
	dbname := uri.Path[1:]

	st.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}

	st.session.SetMode(mgo.Monotonic, true)
	st.session.SetSocketTimeout(socketTimeout)

	st.db = st.session.DB(dbname)
	st.coll = st.db.C(st.collectionName)

	// Create indices
	if err := st.coll.EnsureIndexKey("job_id"); err != nil {
		return nil, err
	}
	if err := st.coll.EnsureIndexKey("status"); err != nil {
		return nil, err
	}
	if err := st.coll.EnsureIndexKey("fetch_uri"); err != nil {
		return nil, err
	}
	if err := st.coll.EnsureIndexKey("created"); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) wrapError(err error) error {
	if err == mgo.ErrNotFound {
		return fetchd.ErrNotFound
	}
	return err
}

func (s *Store) notify() {
	if s.bus != nil {
		s.bus.Publish(fetchd.TopicTasksUpdated, nil)
	}
}

// Start moves tasks left over from a crashed previous run back into
// Standby so they get re-admitted.
func (s *Store) Start() error {
	_, err := s.ResetAll()
	return err
}

// Add stores a new task.
func (s *Store) Add(task *fetchd.Task) error {
	if err := s.coll.Insert(newTaskDoc(task)); err != nil {
		return s.wrapError(err)
	}
	s.notify()
	return nil
}

// Count returns the number of stored tasks.
func (s *Store) Count() (int, error) {
	n, err := s.coll.Count()
	if err != nil {
		return 0, s.wrapError(err)
	}
	return n, nil
}

// ListPending returns non-done tasks ordered by (created asc, insertion asc).
func (s *Store) ListPending(limit int) ([]*fetchd.Task, error) {
	if limit <= 0 {
		limit = fetchd.DefaultPendingLimit
	}
	var docs []taskDoc
	err := s.coll.
		Find(bson.M{"status": bson.M{"$ne": fetchd.Done}}).
		Sort("created", "_id").
		Limit(limit).
		All(&docs)
	if err != nil {
		return nil, s.wrapError(err)
	}
	tasks := make([]*fetchd.Task, len(docs))
	for i, doc := range docs {
		tasks[i] = doc.toTask()
	}
	return tasks, nil
}

// Lookup returns the task with the given job identifier.
func (s *Store) Lookup(jobID string) (*fetchd.Task, error) {
	var doc taskDoc
	err := s.coll.Find(bson.M{"job_id": jobID}).One(&doc)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return doc.toTask(), nil
}

func (s *Store) update(jobID string, set bson.M) error {
	set["updated"] = time.Now().Unix()
	err := s.coll.Update(bson.M{"job_id": jobID}, bson.M{"$set": set})
	if err != nil {
		return s.wrapError(err)
	}
	s.notify()
	return nil
}

// SetHold transitions a task to Hold.
func (s *Store) SetHold(jobID string) error {
	return s.update(jobID, bson.M{"status": fetchd.Hold})
}

// SetRunning transitions a task to Running.
func (s *Store) SetRunning(jobID string) error {
	return s.update(jobID, bson.M{"status": fetchd.Running})
}

// SetStandby returns a task to Standby after a recoverable failure.
func (s *Store) SetStandby(jobID, resultType, resultMessage string) error {
	return s.update(jobID, bson.M{
		"status":         fetchd.Standby,
		"result_type":    resultType,
		"result_message": resultMessage,
	})
}

// SetFinished transitions a task to Done.
func (s *Store) SetFinished(jobID, resultType, resultMessage string) error {
	return s.update(jobID, bson.M{
		"status":         fetchd.Done,
		"result_type":    resultType,
		"result_message": resultMessage,
	})
}

// SetResultURL records the saved file name for a job.
func (s *Store) SetResultURL(jobID, resultURL string) error {
	return s.update(jobID, bson.M{"result_url": resultURL})
}

// FindFetched returns the most recent successful fetch of the URI.
func (s *Store) FindFetched(fetchURI string) (*fetchd.Task, error) {
	var doc taskDoc
	err := s.coll.
		Find(bson.M{
			"fetch_uri":   fetchURI,
			"status":      fetchd.Done,
			"result_type": fetchd.ResultSuccess,
			"result_url":  bson.M{"$ne": ""},
		}).
		Sort("-_id").
		One(&doc)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return doc.toTask(), nil
}

// ResetAll moves every non-done task back to Standby and returns the
// number of affected documents.
func (s *Store) ResetAll() (int, error) {
	info, err := s.coll.UpdateAll(
		bson.M{"status": bson.M{"$ne": fetchd.Done}},
		bson.M{"$set": bson.M{"status": fetchd.Standby, "updated": time.Now().Unix()}},
	)
	if err != nil {
		return 0, s.wrapError(err)
	}
	if info.Matched > 0 {
		s.notify()
	}
	return info.Matched, nil
}

// Stats returns the number of tasks per status.
func (s *Store) Stats() (*fetchd.Stats, error) {
	stats := &fetchd.Stats{}
	count := func(status string) (int, error) {
		return s.coll.Find(bson.M{"status": status}).Count()
	}
	var err error
	if stats.Standby, err = count(fetchd.Standby); err != nil {
		return nil, s.wrapError(err)
	}
	if stats.Hold, err = count(fetchd.Hold); err != nil {
		return nil, s.wrapError(err)
	}
	if stats.Running, err = count(fetchd.Running); err != nil {
		return nil, s.wrapError(err)
	}
	if stats.Done, err = count(fetchd.Done); err != nil {
		return nil, s.wrapError(err)
	}
	return stats, nil
}

// Close terminates the MongoDB session.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

// -- MongoDB-internal representation of a task --

type taskDoc struct {
	ID            bson.ObjectId `bson:"_id"`
	JobID         string        `bson:"job_id"`
	Status        string        `bson:"status"`
	FetchURI      string        `bson:"fetch_uri"`
	ResultURL     string        `bson:"result_url"`
	Settings      []byte        `bson:"settings,omitempty"`
	Created       int64         `bson:"created"`
	Updated       int64         `bson:"updated"`
	ResultType    string        `bson:"result_type"`
	ResultMessage string        `bson:"result_message"`
}

func newTaskDoc(task *fetchd.Task) *taskDoc {
	return &taskDoc{
		ID:            bson.NewObjectId(),
		JobID:         task.JobID,
		Status:        task.Status,
		FetchURI:      task.FetchURI,
		ResultURL:     task.ResultURL,
		Settings:      task.Settings,
		Created:       task.Created,
		Updated:       task.Updated,
		ResultType:    task.ResultType,
		ResultMessage: task.ResultMessage,
	}
}

func (doc *taskDoc) toTask() *fetchd.Task {
	return &fetchd.Task{
		JobID:         doc.JobID,
		Status:        doc.Status,
		FetchURI:      doc.FetchURI,
		ResultURL:     doc.ResultURL,
		Settings:      doc.Settings,
		Created:       doc.Created,
		Updated:       doc.Updated,
		ResultType:    doc.ResultType,
		ResultMessage: doc.ResultMessage,
	}
}
