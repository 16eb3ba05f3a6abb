package agent

import "github.com/gabaker/thorium/internal/api"

// wellKnown bundles the four values the agent supplies to a tool, each
// passed per the image's declared discipline.
type wellKnown struct {
	jobID          string
	inputPath      string
	resultsPath    string
	resultFilesDir string
}

// BuildArgv combines binPath with the well-known values in their declared
// fixed Append order (job_id, input_path, results, result_files_dir), then
// any Kwarg-disciplined values as trailing "flag value" pairs.
func BuildArgv(binPath string, args api.ArgsConfig, wk wellKnown) []string {
	argv := []string{binPath}

	appendOrder := []struct {
		d     api.ArgDiscipline
		value string
	}{
		{args.JobID, wk.jobID},
		{args.InputPath, wk.inputPath},
		{args.Results, wk.resultsPath},
		{args.ResultFilesDir, wk.resultFilesDir},
	}
	for _, a := range appendOrder {
		if a.d.Kind == api.ArgAppend {
			argv = append(argv, a.value)
		}
	}
	for _, a := range appendOrder {
		if a.d.Kind == api.ArgKwarg {
			argv = append(argv, a.d.Flag, a.value)
		}
	}
	return argv
}

// BuildCleanupArgv mirrors BuildArgv for an image's cleanup script, which
// has no input_path.
func BuildCleanupArgv(c api.CleanupConfig, jobID, resultsPath, resultFilesDir string) []string {
	argv := []string{c.Script}
	appendOrder := []struct {
		d     api.ArgDiscipline
		value string
	}{
		{c.JobID, jobID},
		{c.Results, resultsPath},
		{c.ResultFilesDir, resultFilesDir},
	}
	for _, a := range appendOrder {
		if a.d.Kind == api.ArgAppend {
			argv = append(argv, a.value)
		}
	}
	for _, a := range appendOrder {
		if a.d.Kind == api.ArgKwarg {
			argv = append(argv, a.d.Flag, a.value)
		}
	}
	return argv
}
