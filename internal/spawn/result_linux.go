//go:build linux

package spawn

import (
	"fmt"
	"os/exec"
	"syscall"

	"github.com/gwgundersen/ir/internal/result"
	"github.com/gwgundersen/ir/internal/sink"
)

// buildResult decodes cmd's reaped termination status and rusage per
// spec.md §4.6 and renders every sink into the proc's capture payloads.
func buildResult(index int, cmd *exec.Cmd, sinks map[string]*sink.Sink) (result.ProcResult, error) {
	state := cmd.ProcessState
	if state == nil {
		return result.ProcResult{}, fmt.Errorf("process was not reaped")
	}

	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return result.ProcResult{}, fmt.Errorf("unexpected wait status type %T", state.Sys())
	}

	pr := result.ProcResult{
		Index:  index,
		Status: int(ws),
		Fds:    make(map[string]sink.Payload, len(sinks)),
	}

	switch {
	case ws.Exited():
		code := ws.ExitStatus()
		pr.ExitCode = &code
	case ws.Signaled():
		sig := int(ws.Signal())
		pr.Signum = &sig
		pr.CoreDump = ws.CoreDump()
	default:
		return result.ProcResult{}, fmt.Errorf("process neither exited nor was signaled (status=%#x)", uint32(ws))
	}

	if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		pr.Rusage = decodeRusage(ru)
	}

	for name, s := range sinks {
		payload, err := s.Render()
		if err != nil {
			return result.ProcResult{}, fmt.Errorf("rendering fd %s: %w", name, err)
		}
		pr.Fds[name] = payload
	}

	return pr, nil
}

func decodeRusage(ru *syscall.Rusage) result.Rusage {
	return result.Rusage{
		UTime:    result.TimeVal{TvSec: int64(ru.Utime.Sec), TvUsec: int64(ru.Utime.Usec)},
		STime:    result.TimeVal{TvSec: int64(ru.Stime.Sec), TvUsec: int64(ru.Stime.Usec)},
		MaxRSS:   ru.Maxrss,
		IxRSS:    ru.Ixrss,
		IdRSS:    ru.Idrss,
		IsRSS:    ru.Isrss,
		MinFlt:   ru.Minflt,
		MajFlt:   ru.Majflt,
		NSwap:    ru.Nswap,
		InBlock:  ru.Inblock,
		OuBlock:  ru.Oublock,
		MsgSnd:   ru.Msgsnd,
		MsgRcv:   ru.Msgrcv,
		NSignals: ru.Nsignals,
		NvCsw:    ru.Nvcsw,
		NivCsw:   ru.Nivcsw,
	}
}
