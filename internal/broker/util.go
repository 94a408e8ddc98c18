package broker

// popStr splits the first frame off a frame list and returns it along
// with the remainder, mirroring the pop-front idiom the router loop uses
// to walk an incoming multipart message frame by frame.
func popStr(frames []string) (string, []string) {
	if len(frames) == 0 {
		return "", frames
	}
	return frames[0], frames[1:]
}

// unwrap splits an envelope into its leading address frame and the rest
// of the message, skipping a single empty delimiter frame if present
// immediately after the address (mirroring ZeroMQ's REQ/ROUTER framing).
func unwrap(frames []string) (string, []string) {
	if len(frames) == 0 {
		return "", frames
	}
	address := frames[0]
	rest := frames[1:]
	if len(rest) > 0 && rest[0] == "" {
		rest = rest[1:]
	}
	return address, rest
}

// popMsg pops the first queued message off a FIFO of pending messages.
func popMsg(queue [][]string) ([]string, [][]string) {
	if len(queue) == 0 {
		return nil, queue
	}
	return queue[0], queue[1:]
}

func stringsToFrames(in []string) [][]byte {
	out := make([][]byte, len(in))
	for i, s := range in {
		out[i] = []byte(s)
	}
	return out
}

func framesToStrings(in [][]byte) []string {
	out := make([]string, len(in))
	for i, b := range in {
		out[i] = string(b)
	}
	return out
}

// popWorkerEntry removes and returns the oldest waiting worker.
func popWorkerEntry(workers []*Worker) (*Worker, []*Worker) {
	if len(workers) == 0 {
		return nil, workers
	}
	return workers[0], workers[1:]
}

// delWorkerEntry removes every occurrence of worker from the slice,
// preserving order of the remaining entries.
func delWorkerEntry(workers []*Worker, worker *Worker) []*Worker {
	out := workers[:0]
	for _, w := range workers {
		if w != worker {
			out = append(out, w)
		}
	}
	return out
}
