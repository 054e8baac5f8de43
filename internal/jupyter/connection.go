// Package jupyter holds the small set of Jupyter wire-protocol types shared
// by the response manager, the backend adapters, and the SSH tunneler.
package jupyter

import (
	"encoding/json"
	"strings"
)

// Channel identifies one of the ZMQ sockets a kernel exposes, plus the
// side-channel communication socket used for signalling. Ported from the
// upstream launcher's KernelChannel enum so that port allocation and
// tunneling can iterate the channel set generically instead of naming each
// port by hand.
type Channel string

const (
	ChannelShell         Channel = "shell"
	ChannelIOPub         Channel = "iopub"
	ChannelStdin         Channel = "stdin"
	ChannelControl       Channel = "control"
	ChannelHB            Channel = "hb"
	ChannelCommunication Channel = "communication"
)

// ZMQChannels are the five ports the kernel-launcher allocates for ZeroMQ
// traffic, in the order the wire protocol documents them.
var ZMQChannels = []Channel{ChannelShell, ChannelIOPub, ChannelStdin, ChannelControl, ChannelHB}

// AllChannels is ZMQChannels plus the communication port, i.e. every port
// the SSH tunneler must forward when tunneling is enabled.
var AllChannels = append(append([]Channel{}, ZMQChannels...), ChannelCommunication)

// ConnectionInfo is the decrypted connection payload a kernel-launcher sends
// back to the response manager, merged with the adapter-discovered host to
// become a KernelBinding's connection_info.
type ConnectionInfo struct {
	KernelID          string `json:"kernel_id"`
	IP                string `json:"ip"`
	ShellPort         int    `json:"shell_port"`
	IOPubPort         int    `json:"iopub_port"`
	StdinPort         int    `json:"stdin_port"`
	ControlPort       int    `json:"control_port"`
	HBPort            int    `json:"hb_port"`
	SignatureKey      string `json:"signature_key"`
	SignatureScheme   string `json:"signature_scheme"`
	CommunicationPort int    `json:"communication_port"`
	Pid               int    `json:"pid,omitempty"`
	Pgid              int    `json:"pgid,omitempty"`
}

func (info *ConnectionInfo) String() string {
	m, err := json.Marshal(info)
	if err != nil {
		panic(err)
	}
	return string(m)
}

// PrettyString is the same as String, except that PrettyString calls
// json.MarshalIndent instead of json.Marshal.
func (info *ConnectionInfo) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(info, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}
	return string(m)
}

// PortFor returns the port number assigned to the given channel.
func (info *ConnectionInfo) PortFor(ch Channel) int {
	switch ch {
	case ChannelShell:
		return info.ShellPort
	case ChannelIOPub:
		return info.IOPubPort
	case ChannelStdin:
		return info.StdinPort
	case ChannelControl:
		return info.ControlPort
	case ChannelHB:
		return info.HBPort
	case ChannelCommunication:
		return info.CommunicationPort
	default:
		return 0
	}
}

// SetPortFor assigns a port number to the given channel. Used by the SSH
// tunneler when rewriting connection_info to point at locally-forwarded
// ports.
func (info *ConnectionInfo) SetPortFor(ch Channel, port int) {
	switch ch {
	case ChannelShell:
		info.ShellPort = port
	case ChannelIOPub:
		info.IOPubPort = port
	case ChannelStdin:
		info.StdinPort = port
	case ChannelControl:
		info.ControlPort = port
	case ChannelHB:
		info.HBPort = port
	case ChannelCommunication:
		info.CommunicationPort = port
	}
}
