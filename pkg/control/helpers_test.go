package control

import "net"

// sendRaw writes arbitrary bytes to a control socket, bypassing envelope
// marshalling — used to construct malformed/edge-case test fixtures.
func sendRaw(path, data string) error {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write([]byte(data))
	return err
}
