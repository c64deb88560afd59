package audittree

import "testing"

func TestAddNodeRootAndChild(t *testing.T) {
	tr := New(Config{MaxDepth: 4})

	root, err := tr.AddNode([32]byte{}, false, "ctx", "create", 1, nil)
	if err != nil {
		t.Fatalf("add root: %v", err)
	}

	child, err := tr.AddNode(root.NodeID, true, "ctx", "update", 2, nil)
	if err != nil {
		t.Fatalf("add child: %v", err)
	}

	kids := tr.GetChildren(root.NodeID)
	if len(kids) != 1 || kids[0].NodeID != child.NodeID {
		t.Fatalf("unexpected children: %+v", kids)
	}
}

func TestAddNodeMissingParent(t *testing.T) {
	tr := New(Config{MaxDepth: 4})
	var bogus [32]byte
	bogus[0] = 0xFF
	if _, err := tr.AddNode(bogus, true, "ctx", "op", 1, nil); err == nil {
		t.Fatal("expected ErrParentMissing")
	}
}

func TestDepthLimit(t *testing.T) {
	tr := New(Config{MaxDepth: 1})
	root, err := tr.AddNode([32]byte{}, false, "c", "op", 1, nil)
	if err != nil {
		t.Fatalf("add root: %v", err)
	}
	child, err := tr.AddNode(root.NodeID, true, "c", "op", 2, nil)
	if err != nil {
		t.Fatalf("add depth-1 child: %v", err)
	}
	if _, err := tr.AddNode(child.NodeID, true, "c", "op", 3, nil); err == nil {
		t.Fatal("expected ErrDepthExceeded")
	}
}

func TestGetPathToRoot(t *testing.T) {
	tr := New(Config{MaxDepth: 8})
	root, _ := tr.AddNode([32]byte{}, false, "c", "op", 1, nil)
	mid, _ := tr.AddNode(root.NodeID, true, "c", "op", 2, nil)
	leaf, _ := tr.AddNode(mid.NodeID, true, "c", "op", 3, nil)

	path, err := tr.GetPathToRoot(leaf.NodeID)
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if len(path) != 3 {
		t.Fatalf("path len = %d, want 3", len(path))
	}
	if path[0].NodeID != leaf.NodeID || path[2].NodeID != root.NodeID {
		t.Fatalf("unexpected path order: %+v", path)
	}
}

func TestFindByPredicate(t *testing.T) {
	tr := New(Config{MaxDepth: 8})
	root, _ := tr.AddNode([32]byte{}, false, "c", "start", 1, nil)
	tr.AddNode(root.NodeID, true, "c", "stop", 2, nil)
	tr.AddNode(root.NodeID, true, "c", "start", 3, nil)

	matches := tr.FindByPredicate(func(n Node) bool { return n.Operation == "start" }, nil)
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
}

func TestVerifyIntegrity(t *testing.T) {
	tr := New(Config{MaxDepth: 8})
	root, _ := tr.AddNode([32]byte{}, false, "c", "op", 1, nil)
	tr.AddNode(root.NodeID, true, "c", "op", 2, nil)

	if err := tr.VerifyIntegrity(); err != nil {
		t.Fatalf("expected valid tree: %v", err)
	}
}

func TestExportJSONAndCBOR(t *testing.T) {
	tr := New(Config{MaxDepth: 8})
	tr.AddNode([32]byte{}, false, "c", "op", 1, nil)

	if _, err := tr.Export(ExportJSON); err != nil {
		t.Fatalf("export json: %v", err)
	}
	if _, err := tr.Export(ExportCBOR); err != nil {
		t.Fatalf("export cbor: %v", err)
	}
}
