// Package config loads the JSON-encoded settings cmd/smtpd (or any other
// embedder) wires into smtp.Config, maildrop.Store, directory.Directory
// and policy.Checker.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// File is the on-disk shape of a server's configuration.
type File struct {
	ListenAddr       string `json:"listen_addr"`
	Hostname         string `json:"hostname"`
	SystemName       string `json:"system_name"`
	MessageSizeLimit int64  `json:"message_size_limit"`

	TLSCertFile string `json:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file"`

	MaildropPath string `json:"maildrop_path"`

	DirectoryFile string `json:"directory_file"`

	SPFEnabled bool `json:"spf_enabled"`
}

// DecodeFile parses the JSON document at fileName into object, generalizing
// the teacher's helpers.DecodeFile from a bespoke UserDB-shaped reader into
// any JSON-decodable destination.
func DecodeFile(fileName string, object interface{}) error {
	file, err := os.Open(fileName)
	if err != nil {
		return fmt.Errorf("config: could not open file: %w", err)
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	if err := dec.Decode(object); err != nil {
		return fmt.Errorf("config: could not parse file: %w", err)
	}
	return nil
}

// Load reads and decodes a File from fileName.
func Load(fileName string) (*File, error) {
	var f File
	if err := DecodeFile(fileName, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
