// Package mysql provides a MySQL-backed persistent task store.
package mysql

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/fetchd/fetchd"
)

const mysqlSchema = `CREATE TABLE IF NOT EXISTS task_list (
id bigint primary key auto_increment,
job_id varchar(64) not null unique,
status varchar(30) not null,
fetch_uri varchar(2048) not null,
result_url varchar(255) not null default '',
settings blob,
created bigint not null,
updated bigint not null,
result_type varchar(30) not null default '',
result_message text,
index ix_task_list_status (status),
index ix_task_list_fetch_uri (fetch_uri(255)),
index ix_task_list_created (created));`

// Store represents a persistent MySQL storage implementation.
// It implements the fetchd.Store interface.
type Store struct {
	db  *sql.DB
	bus fetchd.EventBus
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore initializes a new MySQL-based storage. The database named
// in the DSN is created if it does not exist.
func NewStore(url string, bus fetchd.EventBus, options ...StoreOption) (*Store, error) {
	st := &Store{bus: bus}
	for _, opt := range options {
		opt(st)
	}
	cfg, err := mysqldriver.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return nil, errors.New("mysql: no database specified")
	}
	// First connect without DB name
	cfg.DBName = ""
	setupdb, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()
	if _, err := setupdb.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname)); err != nil {
		return nil, err
	}

	// Now connect again, this time with the db name
	st.db, err = sql.Open("mysql", url)
	if err != nil {
		return nil, err
	}
	if _, err := st.db.Exec(mysqlSchema); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) wrapError(err error) error {
	if err == sql.ErrNoRows {
		return fetchd.ErrNotFound
	}
	return err
}

func (s *Store) runWithRetry(fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return backoff.Retry(fn, b)
}

func (s *Store) notify() {
	if s.bus != nil {
		s.bus.Publish(fetchd.TopicTasksUpdated, nil)
	}
}

// Start moves tasks left over from a crashed previous run back into
// Standby so they get re-admitted.
//
// TODO This will fail its purpose if two or more services work on the
// same database.
func (s *Store) Start() error {
	_, err := s.ResetAll()
	return err
}

// Add stores a new task.
func (s *Store) Add(task *fetchd.Task) error {
	err := s.runWithRetry(func() error {
		_, err := sq.Insert("task_list").
			Columns("job_id", "status", "fetch_uri", "result_url", "settings", "created", "updated", "result_type", "result_message").
			Values(task.JobID, task.Status, task.FetchURI, task.ResultURL, task.Settings, task.Created, task.Updated, task.ResultType, task.ResultMessage).
			RunWith(s.db).
			Exec()
		return err
	})
	if err != nil {
		return s.wrapError(err)
	}
	s.notify()
	return nil
}

// Count returns the number of stored tasks.
func (s *Store) Count() (int, error) {
	var count int
	err := sq.Select("COUNT(*)").
		From("task_list").
		RunWith(s.db).
		QueryRow().
		Scan(&count)
	if err != nil {
		return 0, s.wrapError(err)
	}
	return count, nil
}

// ListPending returns non-done tasks ordered by (created asc, id asc).
func (s *Store) ListPending(limit int) ([]*fetchd.Task, error) {
	if limit <= 0 {
		limit = fetchd.DefaultPendingLimit
	}
	rows, err := sq.Select(taskColumns...).
		From("task_list").
		Where(sq.NotEq{"status": fetchd.Done}).
		OrderBy("created asc", "id asc").
		Limit(uint64(limit)).
		RunWith(s.db).
		Query()
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer rows.Close()
	var tasks []*fetchd.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Lookup returns the task with the given job identifier.
func (s *Store) Lookup(jobID string) (*fetchd.Task, error) {
	row := sq.Select(taskColumns...).
		From("task_list").
		Where(sq.Eq{"job_id": jobID}).
		RunWith(s.db).
		QueryRow()
	task, err := scanTask(row)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return task, nil
}

func (s *Store) update(jobID string, set map[string]interface{}) error {
	set["updated"] = time.Now().Unix()
	err := s.runWithRetry(func() error {
		res, err := sq.Update("task_list").
			SetMap(set).
			Where(sq.Eq{"job_id": jobID}).
			RunWith(s.db).
			Exec()
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// The row may exist with identical values; tell a missing
			// row apart before reporting not-found.
			var id int64
			err := sq.Select("id").From("task_list").
				Where(sq.Eq{"job_id": jobID}).
				RunWith(s.db).
				QueryRow().
				Scan(&id)
			if err == sql.ErrNoRows {
				return backoff.Permanent(fetchd.ErrNotFound)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return s.wrapError(err)
	}
	s.notify()
	return nil
}

// SetHold transitions a task to Hold.
func (s *Store) SetHold(jobID string) error {
	return s.update(jobID, map[string]interface{}{"status": fetchd.Hold})
}

// SetRunning transitions a task to Running.
func (s *Store) SetRunning(jobID string) error {
	return s.update(jobID, map[string]interface{}{"status": fetchd.Running})
}

// SetStandby returns a task to Standby after a recoverable failure.
func (s *Store) SetStandby(jobID, resultType, resultMessage string) error {
	return s.update(jobID, map[string]interface{}{
		"status":         fetchd.Standby,
		"result_type":    resultType,
		"result_message": resultMessage,
	})
}

// SetFinished transitions a task to Done.
func (s *Store) SetFinished(jobID, resultType, resultMessage string) error {
	return s.update(jobID, map[string]interface{}{
		"status":         fetchd.Done,
		"result_type":    resultType,
		"result_message": resultMessage,
	})
}

// SetResultURL records the saved file name for a job.
func (s *Store) SetResultURL(jobID, resultURL string) error {
	return s.update(jobID, map[string]interface{}{"result_url": resultURL})
}

// FindFetched returns the most recent successful fetch of the URI.
func (s *Store) FindFetched(fetchURI string) (*fetchd.Task, error) {
	row := sq.Select(taskColumns...).
		From("task_list").
		Where(sq.Eq{
			"fetch_uri":   fetchURI,
			"status":      fetchd.Done,
			"result_type": fetchd.ResultSuccess,
		}).
		Where(sq.NotEq{"result_url": ""}).
		OrderBy("id desc").
		Limit(1).
		RunWith(s.db).
		QueryRow()
	task, err := scanTask(row)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return task, nil
}

// ResetAll moves every non-done task back to Standby and returns the
// number of affected rows.
func (s *Store) ResetAll() (int, error) {
	var n int64
	err := s.runWithRetry(func() error {
		res, err := sq.Update("task_list").
			Set("status", fetchd.Standby).
			Set("updated", time.Now().Unix()).
			Where(sq.NotEq{"status": fetchd.Done}).
			RunWith(s.db).
			Exec()
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, s.wrapError(err)
	}
	if n > 0 {
		s.notify()
	}
	return int(n), nil
}

// Stats returns the number of tasks per status.
func (s *Store) Stats() (*fetchd.Stats, error) {
	rows, err := sq.Select("status", "COUNT(*)").
		From("task_list").
		GroupBy("status").
		RunWith(s.db).
		Query()
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer rows.Close()
	stats := &fetchd.Stats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case fetchd.Standby:
			stats.Standby = count
		case fetchd.Hold:
			stats.Hold = count
		case fetchd.Running:
			stats.Running = count
		case fetchd.Done:
			stats.Done = count
		}
	}
	return stats, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// -- MySQL-internal representation of a task --

var taskColumns = []string{
	"job_id", "status", "fetch_uri", "result_url", "settings",
	"created", "updated", "result_type", "result_message",
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*fetchd.Task, error) {
	var task fetchd.Task
	var settings []byte
	var resultMessage sql.NullString
	err := row.Scan(
		&task.JobID, &task.Status, &task.FetchURI, &task.ResultURL, &settings,
		&task.Created, &task.Updated, &task.ResultType, &resultMessage,
	)
	if err != nil {
		return nil, err
	}
	task.Settings = settings
	task.ResultMessage = resultMessage.String
	return &task, nil
}
