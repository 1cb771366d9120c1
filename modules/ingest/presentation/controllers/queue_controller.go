package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/iota-ingest/pkg/logging"
	"github.com/iota-uz/iota-ingest/pkg/queue"
)

const (
	defaultDeadLimit = 50
	maxDeadLimit     = 500
)

// QueueController exposes read-only views of the job queues.
type QueueController struct {
	inspector queue.Inspector
	queues    map[string]struct{}
	logger    *logrus.Entry
	now       func() time.Time
}

func NewQueueController(inspector queue.Inspector, queues []string, logger *logrus.Entry) *QueueController {
	if logger == nil {
		logger = logging.Nop()
	}
	known := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		known[q] = struct{}{}
	}
	return &QueueController{
		inspector: inspector,
		queues:    known,
		logger:    logger.WithField("component", "queue_controller"),
		now:       time.Now,
	}
}

func (c *QueueController) Key() string {
	return "/queues"
}

func (c *QueueController) Register(r *mux.Router) {
	sub := r.PathPrefix("/queues/{queue}").Subrouter()
	sub.HandleFunc("/depth", c.Depth).Methods(http.MethodGet)
	sub.HandleFunc("/dead", c.Dead).Methods(http.MethodGet)
	sub.HandleFunc("/jobs/{jobID}", c.Job).Methods(http.MethodGet)
}

func (c *QueueController) queue(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := mux.Vars(r)["queue"]
	if _, ok := c.queues[name]; !ok {
		writeAPIError(w, r, http.StatusNotFound, "QUEUE_NOT_FOUND", "unknown queue "+strconv.Quote(name))
		return "", false
	}
	return name, true
}

func (c *QueueController) Depth(w http.ResponseWriter, r *http.Request) {
	name, ok := c.queue(w, r)
	if !ok {
		return
	}
	d, err := c.inspector.Depth(r.Context(), name, c.now())
	if err != nil {
		c.fail(w, r, err, "depth")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (c *QueueController) Dead(w http.ResponseWriter, r *http.Request) {
	name, ok := c.queue(w, r)
	if !ok {
		return
	}
	limit := defaultDeadLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeAPIError(w, r, http.StatusBadRequest, "INVALID_QUERY", "limit must be a positive integer")
			return
		}
		limit = min(n, maxDeadLimit)
	}
	jobs, err := c.inspector.ListDead(r.Context(), name, limit)
	if err != nil {
		c.fail(w, r, err, "list dead")
		return
	}
	if jobs == nil {
		jobs = []queue.JobStatus{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// Job returns every delivery recorded under the job ID, oldest first.
func (c *QueueController) Job(w http.ResponseWriter, r *http.Request) {
	name, ok := c.queue(w, r)
	if !ok {
		return
	}
	jobID := mux.Vars(r)["jobID"]
	jobs, err := c.inspector.Lookup(r.Context(), name, jobID)
	if err != nil {
		c.fail(w, r, err, "lookup")
		return
	}
	if len(jobs) == 0 {
		writeAPIError(w, r, http.StatusNotFound, "JOB_NOT_FOUND", "no job "+strconv.Quote(jobID))
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (c *QueueController) fail(w http.ResponseWriter, r *http.Request, err error, op string) {
	c.logger.WithError(err).WithField("op", op).Error("queue inspection failed")
	writeAPIError(w, r, http.StatusInternalServerError, "QUEUE_UNAVAILABLE", "queue store unavailable")
}
