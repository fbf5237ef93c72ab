package graph

// mangleSchema declares the knowledge-graph predicates and the bounded
// (depth <= 3) reachability rules neighbors() is built on. entity/3 and
// relation/5 are asserted by this layer; reachable1/2/3 are derived by the
// mangle engine itself on every ReplaceFactsForFileWithHash call (auto-eval
// is left on, matching the teacher's default).
const mangleSchema = `
Decl entity(Id, Kind, Name) bound [/number, /string, /string].
Decl relation(From, To, Kind, WeightMilli, EvidenceCount) bound [/number, /number, /string, /number, /number].

Decl neighbor(X, Y) bound [/number, /number].
neighbor(X, Y) :- relation(X, Y, _, _, _).
neighbor(X, Y) :- relation(Y, X, _, _, _).

Decl reachable1(X, Y) bound [/number, /number].
Decl reachable2(X, Y) bound [/number, /number].
Decl reachable3(X, Y) bound [/number, /number].

reachable1(X, Y) :- neighbor(X, Y).
reachable2(X, Y) :- reachable1(X, Z), neighbor(Z, Y).
reachable3(X, Y) :- reachable2(X, Z), neighbor(Z, Y).
`
