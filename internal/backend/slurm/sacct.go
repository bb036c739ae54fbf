package slurm

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// fieldDelimiter separates sacct's --parsable2 columns. A control
// character (unit separator) is used instead of a comma or pipe so a
// job's free-form comment field can never be mistaken for a delimiter.
const fieldDelimiter = "\037"

// sacctFormat is the column list requested from sacct. Order matters: it
// must match the parsing in parseSacctLine.
const sacctFormat = "JobID,State,ExitCode"

var jobIDPattern = regexp.MustCompile(`^(?P<jobid>\d+)\.?(?P<taskid>.*)$`)

// sacctRow is one parsed row of sacct output. A single sbatch submission
// produces multiple rows: one for the job itself and one per job step
// (".batch", ".extern", etc.) or array task; rows is used to pick the
// job-level row, and Steps on that representative row holds every step
// row sacct reported for the same job id.
type sacctRow struct {
	JobID    string
	StepID   string
	State    JobState
	ExitCode int
	Steps    []sacctRow
}

// parseSacctLine parses one line of `sacct --parsable2 --noheader
// --format=JobID,State,ExitCode`. Returns false if the line does not
// look like a valid sacct row (e.g. a trailing blank line).
func parseSacctLine(line string) (sacctRow, bool) {
	fields := strings.Split(line, fieldDelimiter)
	if len(fields) != 3 {
		return sacctRow{}, false
	}

	idMatch := jobIDPattern.FindStringSubmatch(fields[0])
	if idMatch == nil {
		return sacctRow{}, false
	}

	exitCode, _, _ := strings.Cut(fields[2], ":")
	code, err := strconv.Atoi(exitCode)
	if err != nil {
		code = -1
	}

	return sacctRow{
		JobID:    idMatch[1],
		StepID:   idMatch[2],
		State:    parseState(fields[1]),
		ExitCode: code,
	}, true
}

// parseState strips a qualifier Slurm sometimes appends to a state
// ("CANCELLED by 1234") and returns the bare state code.
func parseState(raw string) JobState {
	state, _, _ := strings.Cut(strings.TrimSpace(raw), " ")
	return JobState(state)
}

// parseSacctOutput parses the full output of an sacct invocation into one
// row per job id: the job-level row (StepID == "") takes priority over
// step rows as the representative row, since a step's exit code can lag
// the parent job's. Every step/array-task row for a job id is also kept,
// in encounter order, on that representative row's Steps field.
func parseSacctOutput(output string) (map[string]sacctRow, error) {
	result := make(map[string]sacctRow)
	steps := make(map[string][]sacctRow)

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		row, ok := parseSacctLine(scanner.Text())
		if !ok {
			continue
		}

		if row.StepID != "" {
			steps[row.JobID] = append(steps[row.JobID], row)
			if _, seen := result[row.JobID]; !seen {
				result[row.JobID] = row
			}
			continue
		}

		result[row.JobID] = row
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan sacct output")
	}

	for jobID, rows := range steps {
		rep := result[jobID]
		rep.Steps = rows
		result[jobID] = rep
	}

	return result, nil
}
