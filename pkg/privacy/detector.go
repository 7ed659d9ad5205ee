package privacy

import (
	"context"
	"sort"

	"github.com/aegisai/aegis-oss/pkg/domain"
)

const (
	defaultPoolSize  = 8
	defaultQueueSize = 64
)

type scanJob struct {
	ctx   context.Context
	text  string
	kinds map[Kind]struct{}
	reply chan scanReply
}

type scanReply struct {
	detections []Detection
	err        error
}

// Detector scans text for the fixed PII pattern set. The CPU-bound regex work
// runs on a bounded worker pool; when the pool cannot take the job the caller
// gets ErrDetectorUnavailable rather than waiting, and the engine resolves
// that to a block.
type Detector struct {
	jobs chan scanJob
	done chan struct{}
}

// NewDetector starts poolSize workers. Zero selects the default size.
func NewDetector(poolSize int) *Detector {
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	d := &Detector{
		jobs: make(chan scanJob, defaultQueueSize),
		done: make(chan struct{}),
	}
	for i := 0; i < poolSize; i++ {
		go d.worker()
	}
	return d
}

// Scan finds every occurrence of the requested kinds in text. Passing no
// kinds scans the full pattern set.
func (d *Detector) Scan(ctx context.Context, text string, kinds []Kind) ([]Detection, error) {
	active := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		active[k] = struct{}{}
	}

	job := scanJob{
		ctx:   ctx,
		text:  text,
		kinds: active,
		reply: make(chan scanReply, 1),
	}

	select {
	case d.jobs <- job:
	case <-d.done:
		return nil, domain.ErrDetectorUnavailable
	case <-ctx.Done():
		return nil, domain.ErrDetectorUnavailable
	default:
		return nil, domain.ErrDetectorUnavailable
	}

	select {
	case reply := <-job.reply:
		return reply.detections, reply.err
	case <-d.done:
		return nil, domain.ErrDetectorUnavailable
	case <-ctx.Done():
		return nil, domain.ErrDetectorUnavailable
	}
}

// Close stops the pool. In-flight jobs finish; queued jobs are answered with
// ErrDetectorUnavailable by the closed-pool path on the submit side.
func (d *Detector) Close() {
	close(d.done)
}

func (d *Detector) worker() {
	for {
		select {
		case <-d.done:
			return
		case job := <-d.jobs:
			job.reply <- d.runScan(job)
		}
	}
}

func (d *Detector) runScan(job scanJob) (reply scanReply) {
	defer func() {
		if r := recover(); r != nil {
			reply = scanReply{err: domain.ErrDetectorUnavailable}
		}
	}()

	if err := job.ctx.Err(); err != nil {
		return scanReply{err: domain.ErrDetectorUnavailable}
	}

	var detections []Detection
	for _, p := range builtinPatterns {
		if len(job.kinds) > 0 {
			if _, ok := job.kinds[p.kind]; !ok {
				continue
			}
		}
		for _, span := range p.expr.FindAllStringIndex(job.text, -1) {
			value := job.text[span[0]:span[1]]
			if p.validate != nil && !p.validate(value) {
				continue
			}
			detections = append(detections, Detection{
				Kind:  p.kind,
				Value: value,
				Start: span[0],
				End:   span[1],
			})
		}
	}

	sort.SliceStable(detections, func(i, j int) bool {
		if detections[i].Start == detections[j].Start {
			return detections[i].End < detections[j].End
		}
		return detections[i].Start < detections[j].Start
	})

	return scanReply{detections: detections}
}
