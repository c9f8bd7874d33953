package peertable

import (
	"bufio"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// interfaceSection holds the [Interface] stanza of the tunnel configuration
// file. It is opaque to the peer table beyond round-tripping it verbatim.
type interfaceSection struct {
	PrivateKey string
	Address    string
	ListenPort int
}

// parsedFile is the result of parsing a wg-quick-style configuration file
// augmented with a "# Name: <name>" comment line preceding each [Peer]
// stanza, since the format itself carries no peer-name field.
type parsedFile struct {
	iface interfaceSection
	peers []Peer
}

func parseFile(data []byte) (parsedFile, error) {
	var result parsedFile
	scanner := bufio.NewScanner(strings.NewReader(string(data)))

	section := ""
	pendingName := ""
	var cur Peer
	haveCur := false

	flush := func() error {
		if !haveCur {
			return nil
		}
		if pendingName == "" {
			return fmt.Errorf("peertable: peer stanza missing preceding '# Name:' comment")
		}
		cur.Name = pendingName
		result.peers = append(result.peers, cur)
		cur = Peer{}
		pendingName = ""
		haveCur = false
		return nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "# Name:") {
			pendingName = strings.TrimSpace(strings.TrimPrefix(line, "# Name:"))
			continue
		}
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			if err := flush(); err != nil {
				return parsedFile{}, err
			}
			section = strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(line, "["), "]"))
			if section == "peer" {
				cur = Peer{}
				haveCur = true
			}
			continue
		}

		key, value, ok := splitKV(line)
		if !ok {
			continue
		}

		switch section {
		case "interface":
			switch strings.ToLower(key) {
			case "privatekey":
				result.iface.PrivateKey = value
			case "address":
				result.iface.Address = value
			case "listenport":
				port, err := strconv.Atoi(value)
				if err != nil {
					return parsedFile{}, fmt.Errorf("peertable: parse ListenPort: %w", err)
				}
				result.iface.ListenPort = port
			}
		case "peer":
			switch strings.ToLower(key) {
			case "publickey":
				cur.PublicKeyB64 = value
			case "allowedips":
				addr, err := firstHostAddr(value)
				if err != nil {
					return parsedFile{}, fmt.Errorf("peertable: parse AllowedIPs: %w", err)
				}
				cur.IP = addr
			}
		}
	}

	if err := flush(); err != nil {
		return parsedFile{}, err
	}
	if err := scanner.Err(); err != nil {
		return parsedFile{}, fmt.Errorf("peertable: scan: %w", err)
	}

	return result, nil
}

func splitKV(line string) (string, string, bool) {
	idx := strings.Index(line, "=")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func firstHostAddr(allowedIPs string) (netip.Addr, error) {
	first := strings.TrimSpace(strings.Split(allowedIPs, ",")[0])
	prefix, err := netip.ParsePrefix(first)
	if err != nil {
		addr, aerr := netip.ParseAddr(first)
		if aerr != nil {
			return netip.Addr{}, err
		}
		return addr, nil
	}
	return prefix.Addr(), nil
}

func renderFile(iface interfaceSection, peers []Peer) []byte {
	var b strings.Builder

	b.WriteString("[Interface]\n")
	if iface.PrivateKey != "" {
		fmt.Fprintf(&b, "PrivateKey = %s\n", iface.PrivateKey)
	}
	if iface.Address != "" {
		fmt.Fprintf(&b, "Address = %s\n", iface.Address)
	}
	if iface.ListenPort != 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", iface.ListenPort)
	}

	for _, p := range peers {
		b.WriteString("\n")
		fmt.Fprintf(&b, "# Name: %s\n", p.Name)
		b.WriteString("[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", p.PublicKeyB64)
		fmt.Fprintf(&b, "AllowedIPs = %s/32\n", p.IP)
	}

	return []byte(b.String())
}
