// Package parser turns accumulated Ansible-style log text into structured
// progress. Parsing is always performed over the full currently-known text,
// never a delta, because phase and recap state depend on line order across
// the whole stream. The parser never returns an error: malformed input
// degrades into a snapshot with fewer populated fields.
package parser

import (
	"regexp"
	"strings"

	"eca.monitor/internal/core/domain"
)

type parseState int

const (
	stateIdle parseState = iota
	stateInRecap
)

type lineKind int

const (
	lineOther lineKind = iota
	lineTask
	lineRecapHeader
	lineHostResult
	lineRecapStat
)

type classifiedLine struct {
	kind   lineKind
	task   string
	result string
	host   string
	stat   domain.HostStat
	msg    string
}

var (
	taskRe      = regexp.MustCompile(`^TASK \[(.+?)\]`)
	resultRe    = regexp.MustCompile(`^(ok|changed|fatal|unreachable|skipping):(?:\s*\[([^\]]+)\])?`)
	recapStatRe = regexp.MustCompile(`^(\S+)\s*:.*?\bok=(\d+)\s+changed=(\d+)\s+unreachable=(\d+)\s+failed=(\d+)`)
	fatalMsgRe  = regexp.MustCompile(`"msg":\s*"((?:[^"\\]|\\.)*)"`)
)

// classifyLine is the typed line classifier. Recap summary lines are only
// recognized while in the recap section; host result lines are recognized
// in any state.
func classifyLine(line string, state parseState) classifiedLine {
	if m := taskRe.FindStringSubmatch(line); m != nil {
		return classifiedLine{kind: lineTask, task: m[1]}
	}
	if strings.HasPrefix(line, "PLAY RECAP") {
		return classifiedLine{kind: lineRecapHeader}
	}
	if m := resultRe.FindStringSubmatch(line); m != nil {
		cl := classifiedLine{kind: lineHostResult, result: m[1], host: m[2]}
		if m[1] == "fatal" {
			cl.msg = fatalMessage(line)
		}
		return cl
	}
	if state == stateInRecap {
		if m := recapStatRe.FindStringSubmatch(line); m != nil {
			return classifiedLine{
				kind: lineRecapStat,
				stat: domain.HostStat{
					Host:        m[1],
					Ok:          atoi(m[2]),
					Changed:     atoi(m[3]),
					Unreachable: atoi(m[4]),
					Failed:      atoi(m[5]),
				},
			}
		}
	}
	return classifiedLine{kind: lineOther}
}

// fatalMessage pulls the error message out of a fatal result line. Ansible
// usually appends a JSON blob with a "msg" field; when that is absent or
// malformed the remainder of the line is kept as a best-effort substring.
func fatalMessage(line string) string {
	if m := fatalMsgRe.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	if idx := strings.Index(line, "=>"); idx >= 0 {
		return strings.TrimSpace(line[idx+2:])
	}
	return strings.TrimSpace(line)
}

func removeHost(hosts []string, host string) []string {
	out := hosts[:0]
	for _, h := range hosts {
		if h != host {
			out = append(out, h)
		}
	}
	return out
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}

// Parse performs one linear pass over the accumulated log text and derives
// a ProgressSnapshot. Identical input always yields an identical snapshot.
func Parse(text string) *domain.ProgressSnapshot {
	snap := &domain.ProgressSnapshot{}
	if text == "" {
		return snap
	}

	state := stateIdle
	completed := map[domain.Phase]bool{}
	failedSeen := map[string]bool{}
	passedSeen := map[string]bool{}

	for _, line := range strings.Split(text, "\n") {
		cl := classifyLine(strings.TrimRight(line, "\r"), state)
		switch cl.kind {
		case lineTask:
			snap.TaskCount++
			snap.LastTask = cl.task
			if phase, ok := DetectPhase(cl.task); ok {
				if snap.CurrentPhase != "" && snap.CurrentPhase != phase && !completed[snap.CurrentPhase] {
					snap.CompletedPhases = append(snap.CompletedPhases, snap.CurrentPhase)
					completed[snap.CurrentPhase] = true
				}
				snap.CurrentPhase = phase
			}
			// No detection: phase stays sticky.

		case lineRecapHeader:
			state = stateInRecap

		case lineHostResult:
			snap.CompletedTasks++
			if cl.host != "" {
				if snap.LiveHostStatus == nil {
					snap.LiveHostStatus = map[string]*domain.HostActivity{}
				}
				act := snap.LiveHostStatus[cl.host]
				if act == nil {
					act = &domain.HostActivity{}
					snap.LiveHostStatus[cl.host] = act
				}
				switch cl.result {
				case "ok":
					act.Ok++
				case "changed":
					act.Changed++
				case "fatal":
					act.Fatal++
				case "unreachable":
					act.Unreachable++
				case "skipping":
					act.Skipped++
				}
				act.LastResult = cl.result
			}
			if cl.result == "fatal" && cl.msg != "" {
				snap.LastFatal = cl.msg
			}

		case lineRecapStat:
			// The recap header alone is not authoritative; only a parsed
			// summary line flips HasRecap.
			snap.HasRecap = true
			snap.HostStats = append(snap.HostStats, cl.stat)
			if cl.stat.Failed > 0 || cl.stat.Unreachable > 0 {
				if !failedSeen[cl.stat.Host] {
					failedSeen[cl.stat.Host] = true
					snap.FailedHosts = append(snap.FailedHosts, cl.stat.Host)
					snap.TotalFailed++
				}
				if passedSeen[cl.stat.Host] {
					// A host is never both failed and passed.
					delete(passedSeen, cl.stat.Host)
					snap.PassedHosts = removeHost(snap.PassedHosts, cl.stat.Host)
				}
			} else if !failedSeen[cl.stat.Host] && !passedSeen[cl.stat.Host] {
				passedSeen[cl.stat.Host] = true
				snap.PassedHosts = append(snap.PassedHosts, cl.stat.Host)
			}
		}
	}

	// The run has reached its terminal accounting stage: close the phase
	// still open.
	if snap.HasRecap && snap.CurrentPhase != "" {
		if !completed[snap.CurrentPhase] {
			snap.CompletedPhases = append(snap.CompletedPhases, snap.CurrentPhase)
		}
		snap.CurrentPhase = ""
	}

	return snap
}
