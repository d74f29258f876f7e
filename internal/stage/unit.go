package stage

import (
	"context"
	"errors"
	"time"

	"github.com/specialistvlad/gridbench/internal/buildcache"
	"github.com/specialistvlad/gridbench/internal/collect"
	"github.com/specialistvlad/gridbench/internal/ctxlog"
	"github.com/specialistvlad/gridbench/internal/errs"
	"github.com/specialistvlad/gridbench/internal/resultstore"
	"github.com/specialistvlad/gridbench/internal/shell"
	"github.com/specialistvlad/gridbench/internal/task"
)

// outputTail bounds the captured output kept on a ProcessError.
const outputTail = 4096

// Outcome is the result of one unit.
type Outcome struct {
	Unit       string
	Cached     bool
	ReturnCode int
	Duration   time.Duration
	Documents  int
	// LogKey is the object store key of the uploaded output, if any.
	LogKey string
}

func (r *Runner) runUnit(ctx context.Context, u *task.Unit, cache *buildcache.Cache) (Outcome, error) {
	ctx, logger := ctxlog.With(ctx, "unit", u.Name())
	st := u.Stage
	out := Outcome{Unit: u.Name()}

	if cache != nil && cache.Available(ctx, u.Fingerprint) {
		if err := cache.Restore(ctx, u.Fingerprint); err != nil {
			return out, err
		}
		r.sess.Metrics.CacheHit(st.Name)
		logger.Info("♻️ Restored build cache, skipping shell.", "fingerprint", u.Fingerprint)
		out.Cached = true
		return out, nil
	}

	started := time.Now()
	res, err := r.sess.Shell.Run(ctx, shell.Command{
		Script:  u.ScriptPath,
		Dir:     r.workdir,
		Env:     r.unitEnv(u),
		Output:  st.Output,
		LogFile: u.LogPath,
		Timeout: st.Timeout,
		Stdout:  r.sess.Stdout,
	})
	if err != nil {
		return out, err
	}
	out.ReturnCode = res.ReturnCode
	out.Duration = res.Duration

	if st.Collect.UploadLogs && r.sess.Logs != nil {
		key, err := r.sess.Logs.Upload(ctx, r.sess.RunID, st.Name+"/"+u.ID()+".log", []byte(res.Output))
		if err != nil {
			logger.Warn("Log upload failed.", "error", err)
		} else {
			out.LogKey = key
		}
	}

	if res.ReturnCode != 0 {
		logger.Debug("Unit failed.", "return_code", res.ReturnCode, "timed_out", res.TimedOut)
		return out, &errs.ProcessError{Unit: u.Name(), ReturnCode: res.ReturnCode, Output: tail(res.Output, outputTail)}
	}

	if cache != nil {
		if err := cache.Save(ctx, u.Fingerprint); err != nil {
			return out, err
		}
	}

	docs, err := r.documents(ctx, u, res, started, out.LogKey)
	if err != nil {
		return out, err
	}
	if r.store != nil && len(docs) > 0 {
		if err := r.store.Insert(ctx, docs...); err != nil {
			if !errors.Is(err, errs.ErrStoreUnavailable) {
				return out, err
			}
			logger.Warn("⚠️ Could not store results.", "error", err)
		} else {
			out.Documents = len(docs)
		}
	}

	logger.Debug("Unit finished.", "duration", res.Duration, "documents", out.Documents)
	return out, nil
}

// documents builds one result document per collected payload. Without
// collection every unit produces one document with empty data.
func (r *Runner) documents(ctx context.Context, u *task.Unit, res shell.Result, started time.Time, logKey string) ([]resultstore.Document, error) {
	st := u.Stage
	payloads := []map[string]any{{}}
	if st.Collect.Enabled {
		c, err := collect.New(st.Collect.Parser)
		if err != nil {
			return nil, err
		}
		payloads, err = c.Process(ctx, collect.Output{
			Unit:     u.Name(),
			Dir:      r.workdir,
			Files:    st.Collect.Files,
			Captured: res.Output,
		})
		if err != nil {
			return nil, err
		}
	}

	docs := make([]resultstore.Document, 0, len(payloads))
	for _, p := range payloads {
		d := resultstore.NewDocument()
		d.RunID = r.sess.RunID
		d.Project = r.project.Name
		d.Stage = st.Name
		d.Unit = u.Name()
		d.Index = u.Index
		d.ReturnCode = res.ReturnCode
		d.Duration = res.Duration
		d.StartedAt = started
		d.Data = p
		if logKey != "" {
			d.Data["_log"] = logKey
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func (r *Runner) unitEnv(u *task.Unit) []string {
	return []string{
		"GRIDBENCH_RUN_ID=" + r.sess.RunID,
		"GRIDBENCH_PROJECT=" + r.project.Name,
		"GRIDBENCH_STAGE=" + u.Stage.Name,
		"GRIDBENCH_UNIT=" + u.ID(),
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
