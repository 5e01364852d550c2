//go:build windows

package process

import (
	"bufio"
	"bytes"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

func setSysProcAttr(cmd *exec.Cmd) {}

func terminate(p *os.Process) error {
	// Windows has no SIGTERM equivalent for arbitrary processes; Stop falls
	// through to Kill after the grace period, so kill immediately here.
	return p.Kill()
}

func killPid(pid int) {
	_ = exec.Command("taskkill", "/F", "/PID", strconv.Itoa(pid)).Run()
}

// Descendants returns the transitive children of pid, parents before children.
func Descendants(pid int) ([]int, error) {
	out, err := exec.Command("wmic", "process", "get", "ProcessId,ParentProcessId").Output()
	if err != nil {
		return nil, err
	}

	children := make(map[int][]int)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		parent, err1 := strconv.Atoi(fields[0])
		child, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		children[parent] = append(children[parent], child)
	}

	var result []int
	queue := []int{pid}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range children[current] {
			result = append(result, child)
			queue = append(queue, child)
		}
	}
	return result, nil
}
