// SPDX-License-Identifier: GPL-3.0-or-later

package resolve

import (
	"bufio"
	"net/netip"
	"os"
	"strings"

	"github.com/miekg/dns"
)

const (
	defaultResolvConfPath = "/etc/resolv.conf"
	defaultHostsPath      = "/etc/hosts"
)

// systemConfig is the subset of /etc/resolv.conf that [NewContextWithDefaults]
// cares about: the nameserver roster and the search/ndots knobs a caller may
// want when qualifying a bare hostname.
type systemConfig struct {
	Nameservers []netip.Addr
	Search      []string
	Ndots       int
}

// readSystemConfig parses the platform resolver configuration file, falling
// back to an empty config (never an error) when the file does not exist, as
// is normal on a host with no local resolver configuration.
func readSystemConfig() (*systemConfig, error) {
	return readSystemConfigFile(defaultResolvConfPath)
}

func readSystemConfigFile(path string) (*systemConfig, error) {
	cc, err := dns.ClientConfigFromFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &systemConfig{}, nil
		}
		return nil, err
	}

	out := &systemConfig{
		Search: cc.Search,
		Ndots:  cc.Ndots,
	}
	for _, s := range cc.Servers {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		out.Nameservers = append(out.Nameservers, addr)
	}
	return out, nil
}

// hostsEntry is the set of addresses /etc/hosts binds to one name.
type hostsEntry struct {
	v4 []netip.Addr
	v6 []netip.Addr
}

// hostsDatabase is an in-memory view of a hosts(5) file, keyed by lowercase
// name with the trailing dot omitted.
type hostsDatabase map[string]hostsEntry

// readHostsFile parses path in hosts(5) format: one address per line
// followed by one or more whitespace-separated names, "#" starting a
// comment that runs to end of line. Lines that do not parse as
// "address name..." are skipped rather than treated as an error, matching
// how glibc and most resolver libraries tolerate a malformed hosts file.
func readHostsFile(path string) (hostsDatabase, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return hostsDatabase{}, nil
		}
		return nil, err
	}
	defer f.Close()

	db := make(hostsDatabase)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		addr, err := netip.ParseAddr(fields[0])
		if err != nil {
			continue
		}
		for _, name := range fields[1:] {
			key := strings.ToLower(strings.TrimSuffix(name, "."))
			entry := db[key]
			if addr.Is4() {
				entry.v4 = append(entry.v4, addr)
			} else {
				entry.v6 = append(entry.v6, addr)
			}
			db[key] = entry
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return db, nil
}

// lookup returns the addresses hosts(5) binds to name for qtype (A or
// AAAA only; any other type yields no match), so a caller can shortcut the
// network round trip for statically configured names.
func (db hostsDatabase) lookup(name string, qtype uint16) []netip.Addr {
	key := strings.ToLower(strings.TrimSuffix(name, "."))
	entry, ok := db[key]
	if !ok {
		return nil
	}
	switch qtype {
	case dns.TypeA:
		return entry.v4
	case dns.TypeAAAA:
		return entry.v6
	default:
		return nil
	}
}
