package protocol

import "fmt"

// DefaultPrefix namespaces the topics of one robot.
const DefaultPrefix = "reachy_mini"

// Topic names, relative to the prefix.
const (
	// TopicCommand carries Command objects to the daemon.
	TopicCommand = "command"

	// TopicJointPositions carries JointPositions every control tick.
	TopicJointPositions = "joint_positions"

	// TopicHeadPose carries HeadPose every control tick.
	TopicHeadPose = "head_pose"

	// TopicDaemonStatus carries DaemonStatus once per second.
	TopicDaemonStatus = "daemon_status"

	// TopicTask carries TaskRequest objects to the daemon.
	TopicTask = "task"

	// TopicTaskProgress carries TaskProgress when a task ends.
	TopicTaskProgress = "task_progress"

	// TopicRecordedData carries the records of a recording session.
	TopicRecordedData = "recorded_data"
)

// Topics builds fully qualified topic names.
type Topics struct {
	prefix string
}

// NewTopics creates a Topics helper. An empty prefix means DefaultPrefix.
func NewTopics(prefix string) *Topics {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Topics{prefix: prefix}
}

// Prefix returns the prefix.
func (t *Topics) Prefix() string { return t.prefix }

// Full qualifies a topic name.
func (t *Topics) Full(name string) string {
	return fmt.Sprintf("%s/%s", t.prefix, name)
}

// Command returns the full command topic path.
func (t *Topics) Command() string { return t.Full(TopicCommand) }

// JointPositions returns the full joint positions topic path.
func (t *Topics) JointPositions() string { return t.Full(TopicJointPositions) }

// HeadPose returns the full head pose topic path.
func (t *Topics) HeadPose() string { return t.Full(TopicHeadPose) }

// DaemonStatus returns the full daemon status topic path.
func (t *Topics) DaemonStatus() string { return t.Full(TopicDaemonStatus) }

// Task returns the full task topic path.
func (t *Topics) Task() string { return t.Full(TopicTask) }

// TaskProgress returns the full task progress topic path.
func (t *Topics) TaskProgress() string { return t.Full(TopicTaskProgress) }

// RecordedData returns the full recorded data topic path.
func (t *Topics) RecordedData() string { return t.Full(TopicRecordedData) }
